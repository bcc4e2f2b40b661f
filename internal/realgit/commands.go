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
	"strings"
	"time"

	"source.toolsmiths.dev/gitcore/githash"
	"source.toolsmiths.dev/gitcore/object"
)

// A Hash is the SHA-1 hash of a Git object.
type Hash = githash.SHA1

// ParseHash parses a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	return githash.ParseSHA1(s)
}

// A Ref is a Git reference to a commit.
type Ref = githash.Ref

// Head names the commit on which the changes in the working tree are
// based.
const Head = githash.Head

// TagRef returns a ref for the given tag name.
func TagRef(t string) Ref {
	return githash.TagRef(t)
}

// Rev is a parsed reference to a single commit.
type Rev struct {
	Commit Hash
	Ref    Ref
}

// Head returns the working copy's branch revision.
func (g *Git) Head(ctx context.Context) (*Rev, error) {
	return g.ParseRev(ctx, Head.String())
}

// HeadRef returns the working copy's branch. If the working copy is in
// detached HEAD state, then HeadRef returns an empty string and no
// error.
func (g *Git) HeadRef(ctx context.Context) (Ref, error) {
	const errPrefix = "head ref"
	stdout, err := g.output(ctx, errPrefix, []string{"symbolic-ref", "--quiet", "HEAD"})
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	name, err := oneLine(stdout)
	if err != nil {
		return "", fmt.Errorf("%s: %w", errPrefix, err)
	}
	return Ref(name), nil
}

// ParseRev parses a revision.
func (g *Git) ParseRev(ctx context.Context, refspec string) (*Rev, error) {
	errPrefix := fmt.Sprintf("parse revision %q", refspec)
	if err := validateRev(refspec); err != nil {
		return nil, fmt.Errorf("%s: %w", errPrefix, err)
	}

	out, err := g.output(ctx, errPrefix, []string{"rev-parse", "-q", "--verify", "--revs-only", refspec + "^0"})
	if err != nil {
		return nil, err
	}
	commitHex, err := oneLine(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errPrefix, err)
	}
	h, err := ParseHash(commitHex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errPrefix, err)
	}

	out, err = g.output(ctx, errPrefix, []string{"rev-parse", "-q", "--verify", "--revs-only", "--symbolic-full-name", refspec})
	if err != nil {
		return nil, err
	}
	if out == "" {
		return &Rev{Commit: h}, nil
	}
	refName, err := oneLine(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errPrefix, err)
	}
	return &Rev{Commit: h, Ref: Ref(refName)}, nil
}

// A Pathspec selects paths to pass to a Git command.
type Pathspec interface {
	String() string
}

// LiteralPath is a Pathspec that matches a single path exactly, with no
// glob expansion, using Git's ":(literal)" pathspec magic.
type LiteralPath string

func (p LiteralPath) String() string {
	return ":(literal)" + string(p)
}

// AddOptions specifies the command-line options for `git add`.
type AddOptions struct {
	// IncludeIgnored specifies whether to add ignored files.
	IncludeIgnored bool
}

// Add adds file contents to the index. If len(pathspecs) == 0, then Add
// returns nil.
func (g *Git) Add(ctx context.Context, pathspecs []Pathspec, opts AddOptions) error {
	if len(pathspecs) == 0 {
		return nil
	}
	args := []string{"add"}
	if opts.IncludeIgnored {
		args = append(args, "-f")
	}
	args = append(args, "--")
	for _, p := range pathspecs {
		args = append(args, p.String())
	}
	return g.run(ctx, "git add", args)
}

// CommitOptions holds metadata overrides for a commit, which addToEnv
// turns into Git environment variables. Commit does not apply them.
type CommitOptions struct {
	Author     object.User
	AuthorTime time.Time
	Committer  object.User
	CommitTime time.Time
}

func (opts CommitOptions) addToEnv(env []string) []string {
	if opts.Author != "" {
		env = append(env, "GIT_AUTHOR_NAME="+opts.Author.Name())
		env = append(env, "GIT_AUTHOR_EMAIL="+opts.Author.Email())
	}
	if !opts.AuthorTime.IsZero() {
		env = append(env, "GIT_AUTHOR_DATE="+opts.AuthorTime.Format(time.RFC3339))
	}
	if opts.Committer != "" {
		env = append(env, "GIT_COMMITTER_NAME="+opts.Committer.Name())
		env = append(env, "GIT_COMMITTER_EMAIL="+opts.Committer.Email())
	}
	if !opts.CommitTime.IsZero() {
		env = append(env, "GIT_COMMITTER_DATE="+opts.CommitTime.Format(time.RFC3339))
	}
	return env
}

// Commit creates a new commit on HEAD with the staged content. The
// message will be used exactly as given. opts is not applied: the author,
// committer and dates always come from Git's environment.
func (g *Git) Commit(ctx context.Context, message string, opts CommitOptions) error {
	out := new(bytes.Buffer)
	w := &limitWriter{w: out, n: errorOutputLimit}
	err := g.runner.RunGit(ctx, &Invocation{
		Args:   []string{"commit", "--quiet", "--file=-", "--cleanup=verbatim"},
		Dir:    g.dir,
		Stdin:  strings.NewReader(message),
		Stdout: w,
		Stderr: w,
	})
	if err != nil {
		return commandError("git commit", err, out.Bytes())
	}
	return nil
}

func (g *Git) linkToMain(ctx context.Context) error {
	const errPrefix = "git symbolic-ref HEAD refs/heads/main"
	return g.run(ctx, errPrefix, []string{"symbolic-ref", "HEAD", "refs/heads/main"})
}

// Init ensures a repository exists at the given path. Any relative paths
// are interpreted relative to the Git process's working directory.
func (g *Git) Init(ctx context.Context, dir string) error {
	errPrefix := fmt.Sprintf("git init %q", dir)
	_, err := g.fs.EvalSymlinks(g.fs.Join(g.abs(dir), ".git"))
	dirExists := err == nil

	if err := g.run(ctx, errPrefix, []string{"init", "--quiet", "--", dir}); err != nil {
		return err
	}
	if !dirExists {
		if err := g.WithDir(dir).linkToMain(ctx); err != nil {
			return fmt.Errorf("%s: %w", errPrefix, err)
		}
	}
	return nil
}

// InitBare ensures a bare repository exists at the given path. Any
// relative paths are interpreted relative to the Git process's working
// directory.
func (g *Git) InitBare(ctx context.Context, dir string) error {
	errPrefix := fmt.Sprintf("git init %q", dir)
	_, err := g.fs.EvalSymlinks(g.fs.Join(g.abs(dir), "HEAD"))
	headExists := err == nil

	if err := g.run(ctx, errPrefix, []string{"init", "--quiet", "--bare", "--", dir}); err != nil {
		return err
	}
	if !headExists {
		if err := g.WithDir(dir).linkToMain(ctx); err != nil {
			return fmt.Errorf("%s: %w", errPrefix, err)
		}
	}
	return nil
}
