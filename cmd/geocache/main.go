// Command geocache inspects and copies geometry-cache archives.
//
// The archive's container is described by a YAML config file
// naming a registered backend type and its parameters, for example:
//
//	type: compress
//	compressor: zstd
//	nested:
//	  type: file
//	  path: scene.gc
//
// As a shortcut, -file names an archive in the plain file format.
package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/bobg/subcmd"
	"github.com/sirupsen/logrus"

	"github.com/bobg/geocache"
	"github.com/bobg/geocache/archive"
	"github.com/bobg/geocache/store"
	_ "github.com/bobg/geocache/store/compress"
	_ "github.com/bobg/geocache/store/file"
	_ "github.com/bobg/geocache/store/gcs"
	_ "github.com/bobg/geocache/store/logging"
	_ "github.com/bobg/geocache/store/lru"
	_ "github.com/bobg/geocache/store/mem"
	_ "github.com/bobg/geocache/store/pg"
	_ "github.com/bobg/geocache/store/replica"
	_ "github.com/bobg/geocache/store/sqlite3"
)

type maincmd struct {
	b      geocache.Backend
	logger logrus.FieldLogger
	opts   []archive.Option
}

func main() {
	var (
		config  = flag.String("config", "", "path to YAML config file describing the archive's container")
		file    = flag.String("file", "", "path to an archive file (instead of -config)")
		verbose = flag.Bool("v", false, "log debugging information")
		quiet   = flag.Bool("quiet", false, "treat missing objects and properties as empty instead of failing")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()

	var conf map[string]interface{}
	switch {
	case *config != "" && *file != "":
		log.Fatal("Supply only one of -config and -file")
	case *config != "":
		var err error
		conf, err = loadConfig(*config)
		if err != nil {
			log.Fatal(err)
		}
	case *file != "":
		conf = map[string]interface{}{"type": "file", "path": *file}
	default:
		log.Fatalf("Supply -config or -file (backend types: %s)", strings.Join(store.Keys(), ", "))
	}

	b, err := store.FromConfig(ctx, conf)
	if err != nil {
		log.Fatalf("Creating backend: %s", err)
	}

	opts := []archive.Option{archive.WithLogger(logger)}
	if *quiet {
		opts = append(opts, archive.WithPolicy(geocache.LogQuiet(logger)))
	}

	err = subcmd.Run(ctx, maincmd{b: b, logger: logger, opts: opts}, flag.Args())
	if err != nil {
		log.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"cat":    c.cat,
		"copy":   c.copy,
		"ls":     c.ls,
		"stat":   c.stat,
		"tree":   c.tree,
		"verify": c.verify,
	}
}

func (c maincmd) open(ctx context.Context) (*archive.Reader, error) {
	return archive.Open(ctx, c.b, c.opts...)
}
