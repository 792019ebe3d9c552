package archive

import (
	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
)

type config struct {
	hasher    geocache.Hasher
	md        geocache.MetaData
	info      Info
	logger    logrus.FieldLogger
	policy    geocache.Policy
	cacheSize int
}

func newConfig(opts []Option) config {
	conf := config{
		hasher: geocache.Blake3,
		logger: logrus.StandardLogger(),
		policy: geocache.Propagate,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return conf
}

// Option is the type of an option passed to Create or Open.
// Options that make no sense for one of them are ignored there.
type Option func(*config)

// WithHasher sets the Hasher used to identify duplicate samples
// and to compute object digests.
// The default is geocache.Blake3.
func WithHasher(h geocache.Hasher) Option {
	return func(c *config) {
		c.hasher = h
	}
}

// WithMetaData sets the archive-level metadata.
// It is also the metadata of the top object.
func WithMetaData(md geocache.MetaData) Option {
	return func(c *config) {
		c.md = md.Copy()
	}
}

// WithInfo sets the descriptive Info block stored in the archive.
func WithInfo(info Info) Option {
	return func(c *config) {
		c.info = info
	}
}

// WithLogger sets the logger.
// The default is logrus.StandardLogger().
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithPolicy sets the Policy consulted by lookup accessors of a Reader.
// The default is geocache.Propagate.
func WithPolicy(p geocache.Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithCacheSize makes a Reader keep up to n recently read data blocks in memory.
// Zero (the default) means no cache.
func WithCacheSize(n int) Option {
	return func(c *config) {
		c.cacheSize = n
	}
}
