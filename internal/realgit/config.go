// Copyright 2018 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package realgit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Config is a collection of configuration settings read from `git config`.
type Config struct {
	data       []byte
	gitVersion string
}

// ReadConfig reads all the configuration settings from Git.
func (g *Git) ReadConfig(ctx context.Context) (*Config, error) {
	version, _ := g.getVersion(ctx)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	err := g.runner.RunGit(ctx, &Invocation{
		Args:   []string{"config", "-z", "--list"},
		Dir:    g.dir,
		Stdout: &limitWriter{w: stdout, n: dataOutputLimit},
		Stderr: &limitWriter{w: stderr, n: errorOutputLimit},
	})
	if err != nil {
		return nil, commandError("read git config", err, stderr.Bytes())
	}
	cfg, err := parseConfig(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("read git config: %w", err)
	}
	cfg.gitVersion = version
	return cfg, nil
}

func parseConfig(data []byte) (*Config, error) {
	for off := 0; off < len(data); {
		_, _, end := splitConfigEntry(data[off:])
		if end == -1 {
			return nil, io.ErrUnexpectedEOF
		}
		off += end
	}
	return &Config{data: data}, nil
}

// splitConfigEntry parses the next zero-terminated config entry, as in
// output from git config -z --list. If v == nil, then the configuration
// setting had no equals sign (usually means true for a boolean).
func splitConfigEntry(b []byte) (k, v []byte, end int) {
	kEnd := 0
	for ; kEnd < len(b); kEnd++ {
		if b[kEnd] == 0 {
			return b[:kEnd], nil, kEnd + 1
		}
		if b[kEnd] == '\n' {
			break
		}
	}
	if kEnd >= len(b) {
		return nil, nil, -1
	}
	vEnd := kEnd + 1
	for ; vEnd < len(b); vEnd++ {
		if b[vEnd] == 0 {
			break
		}
	}
	if vEnd >= len(b) {
		return nil, nil, -1
	}
	return b[:kEnd], b[kEnd+1 : vEnd], vEnd + 1
}

// Value returns the string value of the configuration setting with the
// given name.
func (cfg *Config) Value(name string) string {
	v, _ := cfg.findLast(strings.ToLower(name))
	return string(v)
}

func (cfg *Config) findLast(name string) (value []byte, found bool) {
	for off := 0; off < len(cfg.data); {
		k, v, end := splitConfigEntry(cfg.data[off:])
		if end == -1 {
			break
		}
		if strings.EqualFold(string(k), name) {
			value, found = v, true
		}
		off += end
	}
	return
}

// FetchRefspec is a single value of a remote's `remote.<name>.fetch`
// setting.
type FetchRefspec string

// Remote stores the configuration for a remote repository.
type Remote struct {
	Name     string
	FetchURL string
	Fetch    []FetchRefspec
	PushURL  string
}

// String returns the remote's name.
func (r *Remote) String() string {
	return r.Name
}

// ListRemotes returns the configuration for every remote specified in
// the configuration.
func (cfg *Config) ListRemotes() map[string]*Remote {
	remotes := make(map[string]*Remote)
	fetchURLsSet := make(map[string]bool)
	pushURLsSet := make(map[string]bool)
	remotePrefix := []byte("remote.")

	gitMajor, gitMinor, knownVersion := parseVersion(cfg.gitVersion)
	// Prior to Git 2.46, Git would use the first found "url"/"pushurl"
	// setting rather than the last, and would leave the fetch URL blank
	// if the first setting was empty. Later versions use the remote's
	// name as a fetch URL fallback.
	improvedHandling := !knownVersion || gitMajor > 2 || (gitMajor == 2 && gitMinor >= 46)

	for off := 0; off < len(cfg.data); {
		k, v, end := splitConfigEntry(cfg.data[off:])
		if end == -1 {
			break
		}
		off += end
		if !bytes.HasPrefix(k, remotePrefix) {
			continue
		}
		i := bytes.LastIndexByte(k[len(remotePrefix):], '.')
		if i == -1 {
			continue
		}
		i += len(remotePrefix)

		name := string(k[len(remotePrefix):i])
		remote := remotes[name]
		if remote == nil {
			remote = &Remote{Name: name}
			remotes[name] = remote
		}

		switch string(k[i+1:]) {
		case "url":
			if improvedHandling || !fetchURLsSet[name] {
				remote.FetchURL = string(v)
				fetchURLsSet[name] = true
			}
		case "pushurl":
			if improvedHandling || !pushURLsSet[name] {
				remote.PushURL = string(v)
				pushURLsSet[name] = true
			}
		case "fetch":
			remote.Fetch = append(remote.Fetch, FetchRefspec(v))
		}
	}
	for _, remote := range remotes {
		if improvedHandling {
			if remote.FetchURL == "" {
				remote.FetchURL = remote.Name
			}
			if remote.PushURL == "" {
				remote.PushURL = remote.FetchURL
			}
		} else if !pushURLsSet[remote.Name] {
			remote.PushURL = remote.FetchURL
		}
	}
	return remotes
}

// parseVersion extracts the major and minor version numbers from a
// `git version X.Y.Z` string. known is false if the format wasn't
// recognized, in which case callers should assume the newest behavior.
func parseVersion(s string) (major, minor int, known bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, false
	}
	parts := strings.SplitN(fields[len(fields)-1], ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
