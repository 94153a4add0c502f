package models

import "sort"

type Index struct {
	Name   string
	Unique bool
}

// Collection describes one local record collection and where its writes are synced to.
// An empty Endpoint means the collection is local only.
type Collection struct {
	Name     string
	Kind     string
	Endpoint string
	Indexes  []Index
}

func (c Collection) Syncable() bool {
	return c.Endpoint != ""
}

func (c Collection) Index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Registry is the whitelist of collections the store accepts
type Registry map[string]Collection

func NewRegistry(cols ...Collection) Registry {
	r := make(Registry, len(cols))
	for _, c := range cols {
		r[c.Name] = c
	}
	return r
}

func (r Registry) Lookup(name string) (Collection, bool) {
	c, ok := r[name]
	return c, ok
}

// Names returns collection names in a stable order
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry mirrors the corral data-entry screens
var DefaultRegistry = NewRegistry(
	Collection{
		Name: "animais",
		Kind: "animal",
		Indexes: []Index{
			{Name: "brinco", Unique: true},
			{Name: "sisbov"},
			{Name: "codigo"},
		},
	},
	Collection{
		Name:     "pesagens",
		Kind:     "pesagem",
		Endpoint: "/api/curral/pesagem/",
		Indexes:  []Index{{Name: "animal_id"}, {Name: "data"}, {Name: "sync_status"}},
	},
	Collection{
		Name:     "sanidade",
		Kind:     "sanidade",
		Endpoint: "/api/curral/sanidade/",
		Indexes:  []Index{{Name: "animal_id"}, {Name: "tipo"}, {Name: "sync_status"}},
	},
	Collection{
		Name:     "reprodutivo",
		Kind:     "reprodutivo",
		Endpoint: "/api/curral/reprodutivo/",
		Indexes:  []Index{{Name: "animal_id"}, {Name: "tipo"}, {Name: "sync_status"}},
	},
	Collection{
		Name:     "movimentacoes",
		Kind:     "movimentacao",
		Endpoint: "/api/curral/movimentacao/",
		Indexes:  []Index{{Name: "animal_id"}, {Name: "data"}, {Name: "sync_status"}},
	},
	Collection{
		Name:    "sessoes",
		Kind:    "sessao",
		Indexes: []Index{{Name: "status"}, {Name: "inicio"}},
	},
	Collection{
		Name:    "eventos",
		Kind:    "evento",
		Indexes: []Index{{Name: "sessao_id"}, {Name: "tipo"}},
	},
)
