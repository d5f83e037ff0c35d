package artifact

// Descriptor identifies the published firmware. Exactly one descriptor is
// current for the lifetime of the process.
type Descriptor struct {
	Version   string `yaml:"version"`
	Filename  string `yaml:"filename"`
	PublishID string `yaml:"id"`
}

// Artifact is a descriptor whose file has been found in the store.
// Size reflects the store at lookup time and is never cached.
type Artifact struct {
	Version   string
	Filename  string
	PublishID string
	Size      int64
}
