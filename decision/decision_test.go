package decision_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/daffodil/go-libdaffodil/decision"
	"github.com/daffodil/go-libdaffodil/document"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func newSmart(t *testing.T) *decision.Smart {
	clk := clock.NewMock()
	clk.Set(now)
	dec, err := decision.NewSmart(decision.WithClock(clk))
	require.NoError(t, err)
	return dec
}

func makeDoc(year int, sources ...document.Source) *document.Stored {
	return &document.Stored{
		OID: "doc1",
		Fields: map[string]string{
			document.FieldTitle: "Query routing for digital libraries",
			document.FieldYear:  strconv.Itoa(year),
		},
		Sources: sources,
	}
}

func TestCompleteNeverRetrieved(t *testing.T) {
	dec := newSmart(t)
	d := makeDoc(now.Year(), document.Source{Provider: "acm"})
	d.Fields[document.FieldAuthors] = "B. Author"
	d.Fields[document.FieldAbstract] = "Abstract"
	d.Fields[document.FieldURL] = "http://example.com"
	require.True(t, d.Complete())
	require.False(t, dec.DetailRetrievalSensible(d))
	require.False(t, decision.Always.DetailRetrievalSensible(d))
}

func TestRecentDocument(t *testing.T) {
	dec := newSmart(t)

	// Never tried at one source.
	d := makeDoc(now.Year()-3,
		document.Source{Provider: "acm", DetailFetched: now.Add(-time.Hour)},
		document.Source{Provider: "dblp"})
	require.True(t, dec.DetailRetrievalSensible(d))

	// Every source tried recently.
	d = makeDoc(now.Year()-3,
		document.Source{Provider: "acm", DetailFetched: now.Add(-time.Hour)},
		document.Source{Provider: "dblp", DetailFetched: now.Add(-23 * time.Hour)})
	require.False(t, dec.DetailRetrievalSensible(d))

	// One source tried long enough ago to retry.
	d = makeDoc(now.Year()-10,
		document.Source{Provider: "acm", DetailFetched: now.Add(-time.Hour)},
		document.Source{Provider: "dblp", DetailFetched: now.Add(-25 * time.Hour)})
	require.True(t, dec.DetailRetrievalSensible(d))
}

func TestOldDocument(t *testing.T) {
	dec := newSmart(t)

	d := makeDoc(now.Year()-11, document.Source{Provider: "acm"}, document.Source{Provider: "dblp"})
	require.True(t, dec.DetailRetrievalSensible(d))

	// One attempt ever, no matter how long ago.
	d = makeDoc(now.Year()-30,
		document.Source{Provider: "acm", DetailFetched: now.Add(-5 * 365 * 24 * time.Hour)},
		document.Source{Provider: "dblp"})
	require.False(t, dec.DetailRetrievalSensible(d))
}

func TestUnknownYearIsRecent(t *testing.T) {
	dec := newSmart(t)
	d := makeDoc(0, document.Source{Provider: "acm", DetailFetched: now.Add(-48 * time.Hour)})
	d.Fields[document.FieldYear] = ""
	require.True(t, dec.DetailRetrievalSensible(d))
}

func TestOptions(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(now)
	dec, err := decision.NewSmart(decision.WithClock(clk),
		decision.WithRecentYears(2),
		decision.WithRetryAfter(time.Hour))
	require.NoError(t, err)

	d := makeDoc(now.Year()-1, document.Source{Provider: "acm", DetailFetched: now.Add(-2 * time.Hour)})
	require.True(t, dec.DetailRetrievalSensible(d))

	d = makeDoc(now.Year()-5, document.Source{Provider: "acm", DetailFetched: now.Add(-2 * time.Hour)})
	require.False(t, dec.DetailRetrievalSensible(d))

	_, err = decision.NewSmart(decision.WithRetryAfter(0))
	require.Error(t, err)
	_, err = decision.NewSmart(decision.WithRecentYears(-1))
	require.Error(t, err)
}

func TestPartition(t *testing.T) {
	dec := newSmart(t)
	a := makeDoc(now.Year(), document.Source{Provider: "acm"})
	b := makeDoc(now.Year(), document.Source{Provider: "acm", DetailFetched: now})
	needs, sufficient := decision.Partition(dec, []*document.Stored{a, b})
	require.Equal(t, []*document.Stored{a}, needs)
	require.Equal(t, []*document.Stored{b}, sufficient)

	needs, sufficient = decision.Partition(decision.Never, []*document.Stored{a, b})
	require.Empty(t, needs)
	require.Len(t, sufficient, 2)
}
