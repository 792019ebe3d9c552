package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

func loadConfig(filename string) (map[string]interface{}, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	var conf map[string]interface{}
	if err = yaml.NewDecoder(f).Decode(&conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}
	if _, ok := conf["type"].(string); !ok {
		return nil, errors.Errorf("config file %s missing `type` parameter", filename)
	}
	return conf, nil
}
