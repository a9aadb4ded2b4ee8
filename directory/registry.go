package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/daffodil/go-libdaffodil/apierror"
	"github.com/daffodil/go-libdaffodil/bus"
	"github.com/daffodil/go-libdaffodil/message"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("directory")

// WrappersPath is the HTTP path the wrapper list is served on.
const WrappersPath = "wrappers"

// ErrUnknownService is returned when resolving a name that is not in the
// directory.
var ErrUnknownService = errors.New("unknown service")

// Registry is an in-process wrapper directory.
type Registry struct {
	mutex    sync.RWMutex
	wrappers map[string]message.WrapperInfo
}

// NewRegistry creates a registry containing the given wrappers.
func NewRegistry(infos ...message.WrapperInfo) (*Registry, error) {
	r := &Registry{
		wrappers: make(map[string]message.WrapperInfo, len(infos)),
	}
	for _, info := range infos {
		if err := r.Register(info); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a wrapper to the directory, replacing any wrapper with the
// same name. If the wrapper has no address, its name is used as its address.
func (r *Registry) Register(info message.WrapperInfo) error {
	if info.Name == "" {
		return errors.New("wrapper has no name")
	}
	if info.Address == "" {
		info.Address = info.Name
	}
	r.mutex.Lock()
	r.wrappers[info.Name] = info
	r.mutex.Unlock()
	log.Debugw("Registered wrapper", "name", info.Name, "category", info.Category, "address", info.Address)
	return nil
}

// Remove removes the named wrapper, and returns true if it was present.
func (r *Registry) Remove(name string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.wrappers[name]; !ok {
		return false
	}
	delete(r.wrappers, name)
	return true
}

// List returns all wrappers sorted by name.
func (r *Registry) List() []message.WrapperInfo {
	r.mutex.RLock()
	infos := make([]message.WrapperInfo, 0, len(r.wrappers))
	for _, info := range r.wrappers {
		infos = append(infos, info)
	}
	r.mutex.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// FetchAll returns all wrappers. This lets a Registry be the source of a
// wrapper cache.
func (r *Registry) FetchAll(_ context.Context) ([]message.WrapperInfo, error) {
	return r.List(), nil
}

// Resolve returns the bus address of the named service.
func (r *Registry) Resolve(_ context.Context, service string) (string, error) {
	r.mutex.RLock()
	info, ok := r.wrappers[service]
	r.mutex.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return info.Address, nil
}

func (r *Registry) String() string {
	return "registry"
}

// Handler returns a bus handler that answers list-wrappers and resolve
// requests from this registry.
func (r *Registry) Handler() bus.Handler {
	return func(ctx context.Context, env *message.Envelope) (*message.Envelope, error) {
		switch env.Kind {
		case message.KindListWrappers:
			return message.New(message.KindWrapperList, message.WrapperList{Wrappers: r.List()})
		case message.KindResolve:
			var req message.Resolve
			if err := env.Decode(&req); err != nil {
				return nil, err
			}
			addr, err := r.Resolve(ctx, req.Service)
			if err != nil {
				return nil, err
			}
			return message.New(message.KindResolved, message.Resolved{Address: addr})
		}
		return nil, fmt.Errorf("unsupported request kind %q", env.Kind)
	}
}

// ServeHTTP serves the wrapper list as JSON on GET /wrappers.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/"+WrappersPath {
		http.Error(w, "", http.StatusNotFound)
		return
	}
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	data, err := json.Marshal(r.List())
	if err != nil {
		log.Errorw("Cannot encode wrapper list", "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(apierror.EncodeError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
