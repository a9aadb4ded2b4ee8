package document_test

import (
	"testing"
	"time"

	"github.com/daffodil/go-libdaffodil/document"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	d := document.New("a", "acm", map[string]string{
		document.FieldTitle:   "Federated search",
		document.FieldAuthors: "A. Author",
		document.FieldYear:    "2019",
		document.FieldURL:     "http://example.com/a",
	})
	require.False(t, d.Complete())

	d.Fields[document.FieldAbstract] = "An abstract."
	require.True(t, d.Complete())

	var nilDoc *document.Stored
	require.False(t, nilDoc.Complete())
}

func TestYear(t *testing.T) {
	d := document.New("a", "", map[string]string{document.FieldYear: "Spring 2003"})
	y, ok := d.Year()
	require.True(t, ok)
	require.Equal(t, 2003, y)

	d.Fields[document.FieldYear] = "n.d."
	_, ok = d.Year()
	require.False(t, ok)
}

func TestMergeFields(t *testing.T) {
	a := document.New("a", "dblp", map[string]string{
		document.FieldTitle: "Federated search in digital libr...",
		document.FieldYear:  "2011",
	})
	b := document.New("a", "acm", map[string]string{
		document.FieldTitle:    "Federated search in digital libraries",
		document.FieldYear:     "2010",
		document.FieldAbstract: "We study...",
	})

	m := document.Merge(a, b)
	require.Equal(t, "Federated search in digital libraries", m.Get(document.FieldTitle))
	// Tie keeps the first value.
	require.Equal(t, "2011", m.Get(document.FieldYear))
	require.Equal(t, "We study...", m.Get(document.FieldAbstract))
	require.Equal(t, []string{"acm", "dblp"}, m.Providers())

	// Inputs are untouched.
	require.Equal(t, "Federated search in digital libr...", a.Get(document.FieldTitle))
	require.Empty(t, a.Get(document.FieldAbstract))
	require.Len(t, a.Sources, 1)
	require.Len(t, b.Sources, 1)
}

func TestMergeSourcesAndMisses(t *testing.T) {
	older := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	a := &document.Stored{
		OID:     "a",
		Sources: []document.Source{{Provider: "acm", DetailFetched: newer}},
		Misses:  []string{"citeseer", "springer"},
	}
	b := &document.Stored{
		OID:     "a",
		Sources: []document.Source{{Provider: "acm", DetailFetched: older}, {Provider: "springer"}},
		Misses:  []string{"ieee"},
	}

	m := document.Merge(a, b)
	src, ok := m.Source("acm")
	require.True(t, ok)
	require.True(t, src.DetailFetched.Equal(newer))
	require.True(t, m.IsMiss("citeseer"))
	require.True(t, m.IsMiss("ieee"))
	// springer supplied data, so it is not a miss.
	require.False(t, m.IsMiss("springer"))
	require.Equal(t, []string{"citeseer", "ieee"}, m.Misses)
}

func TestMergeNil(t *testing.T) {
	b := document.New("b", "acm", map[string]string{document.FieldTitle: "x"})
	m := document.Merge(nil, b)
	require.Equal(t, b, m)
	require.NotSame(t, b, m)
	require.Nil(t, document.Merge(nil, nil))
}

func TestWithDetailFetched(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	d := &document.Stored{
		OID:     "a",
		Sources: []document.Source{{Provider: "acm"}, {Provider: "dblp"}},
	}
	c := d.WithDetailFetched(now, "dblp", "unknown")
	src, _ := c.Source("dblp")
	require.True(t, src.Fetched())
	src, _ = c.Source("acm")
	require.False(t, src.Fetched())
	src, _ = d.Source("dblp")
	require.False(t, src.Fetched())
}

func TestOID(t *testing.T) {
	a := document.NewOID("10.1145/1234567.1234568")
	b := document.NewOID(" 10.1145/1234567.1234568 ")
	require.Equal(t, a, b)
	require.NotEqual(t, a, document.NewOID("10.1145/other"))

	parsed, err := document.ParseOID(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = document.ParseOID("not-an-oid")
	require.Error(t, err)
}
