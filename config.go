// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bytes"
	"errors"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// configFileArg returns the value of the -config flag in args, if
// any. It has to be found before the other flags are defined, because
// the file supplies their defaults.
func configFileArg(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if len(name) == len(arg) {
			continue
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		} else if strings.HasPrefix(name, "config=") {
			return strings.TrimPrefix(name, "config=")
		}
	}
	return ""
}

// loadConfig reads a YAML file into dst, which should already hold
// default values. Keys that do not correspond to a field of dst are
// an error.
func loadConfig(fnm string, dst interface{}) error {
	f, err := zopen(fnm)
	if err != nil {
		return configErrorf("%s", err)
	}
	defer f.Close()
	buf, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	err = dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		log.Warnf("config file %s is empty", fnm)
		return nil
	} else if err != nil {
		return configErrorf("%s: %s", fnm, err)
	}
	log.Infof("loaded configuration from %s", fnm)
	return nil
}
