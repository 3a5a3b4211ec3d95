// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/tillpoint/backoffice/internal/config"
)

type mainSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&mainSuite{})

func (s *mainSuite) TestParseArgsDefaults(c *gc.C) {
	opts, err := parseArgs(nil, io.Discard)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(opts, gc.Equals, options{configPath: "backoffice.yaml", envFile: ".env"})
}

func (s *mainSuite) TestParseArgs(c *gc.C) {
	opts, err := parseArgs([]string{"--config", "/etc/bo.yaml", "--env-file="}, io.Discard)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(opts, gc.Equals, options{configPath: "/etc/bo.yaml"})

	_, err = parseArgs([]string{"extra"}, io.Discard)
	c.Check(err, gc.ErrorMatches, `unexpected arguments \["extra"\]`)

	_, err = parseArgs([]string{"--nope"}, io.Discard)
	c.Check(err, gc.ErrorMatches, ".*flag provided but not defined: --nope")
}

func (s *mainSuite) TestLoadConfig(c *gc.C) {
	dir := c.MkDir()
	configPath := filepath.Join(dir, "backoffice.yaml")
	err := os.WriteFile(configPath, []byte("store: {kind: memory}\nsync: {force-interval: 10s}\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	envPath := filepath.Join(dir, ".env")
	err = os.WriteFile(envPath, []byte(config.EnvHTTPListen+"=127.0.0.1:9000\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	cfg, err := loadConfig(options{configPath: configPath, envFile: envPath}, os.LookupEnv)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Store.Kind, gc.Equals, config.StoreMemory)
	c.Check(cfg.Sync.ForceInterval, gc.Equals, 10*time.Second)
	c.Check(cfg.HTTP.Listen, gc.Equals, "127.0.0.1:9000")
}

func (s *mainSuite) TestLoadConfigMissingFiles(c *gc.C) {
	dir := c.MkDir()
	cfg, err := loadConfig(options{
		configPath: filepath.Join(dir, "missing.yaml"),
		envFile:    filepath.Join(dir, "missing.env"),
	}, func(string) (string, bool) { return "", false })
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg, jc.DeepEquals, config.Default())
}

func (s *mainSuite) TestLoadConfigInvalid(c *gc.C) {
	configPath := filepath.Join(c.MkDir(), "backoffice.yaml")
	err := os.WriteFile(configPath, []byte("queue: {capacity: 0}\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	_, err = loadConfig(options{configPath: configPath}, os.LookupEnv)
	c.Check(err, gc.ErrorMatches, "queue capacity 0 not valid")
}

func (s *mainSuite) TestOpenKVInMemory(c *gc.C) {
	kv, closeKV, err := openKV("")
	c.Assert(err, jc.ErrorIsNil)
	defer closeKV()
	c.Assert(kv.Set("k", []byte("v")), jc.ErrorIsNil)
	v, err := kv.Get("k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(v), gc.Equals, "v")
}

func (s *mainSuite) TestOpenKVSQLite(c *gc.C) {
	path := filepath.Join(c.MkDir(), "queue.db")
	kv, closeKV, err := openKV(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(kv.Set("k", []byte("v")), jc.ErrorIsNil)
	closeKV()

	kv, closeKV, err = openKV(path)
	c.Assert(err, jc.ErrorIsNil)
	defer closeKV()
	v, err := kv.Get("k")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(v), gc.Equals, "v")
}

func (s *mainSuite) TestServiceConfig(c *gc.C) {
	cfg := config.Default()
	sc := serviceConfig(cfg, nil, nil, nil)
	c.Check(sc.QueueCapacity, gc.Equals, 500)
	c.Check(sc.DebounceWindow, gc.Equals, 500*time.Millisecond)
	c.Check(sc.DebouncedCollections, jc.DeepEquals, []string{"sales", "inventory"})
	c.Check(sc.CacheTTL, gc.Equals, 30*time.Second)
}
