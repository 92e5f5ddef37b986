package locale

// Store exposes language packs to services and HTTP handlers.
type Store interface {
	List() []Pack
	Find(lang Language) (Pack, bool)
	Text(lang Language, key Key) string
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items    []Pack
	fallback Language
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied packs.
// Lookups for a missing language or key fall back to the first pack.
func NewMemoryStore(items []Pack) *MemoryStore {
	s := &MemoryStore{items: append([]Pack(nil), items...)}
	if len(s.items) > 0 {
		s.fallback = s.items[0].Language
	}
	return s
}

// List returns the configured language packs.
func (s *MemoryStore) List() []Pack {
	return append([]Pack(nil), s.items...)
}

// Find looks up a pack by language.
func (s *MemoryStore) Find(lang Language) (Pack, bool) {
	for _, item := range s.items {
		if item.Language == lang {
			return item, true
		}
	}
	return Pack{}, false
}

// Text returns the canned message for key in lang.
func (s *MemoryStore) Text(lang Language, key Key) string {
	if pack, ok := s.Find(lang); ok {
		if msg, ok := pack.Messages[key]; ok {
			return msg
		}
	}
	if pack, ok := s.Find(s.fallback); ok {
		return pack.Messages[key]
	}
	return ""
}
