package preview

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"extractplane/internal/store"

	"github.com/BurntSushi/toml"
)

const (
	manifestFile  = "package.json"
	overridesFile = "preview.toml"
	depsDir       = "node_modules"
)

// LaunchSpec is how an artifact is installed and served.
type LaunchSpec struct {
	Install   []string          `toml:"install"`
	Start     []string          `toml:"start"`
	Env       map[string]string `toml:"env"`
	ReadyPath string            `toml:"ready_path"`
}

// Artifact is a code example resolved on disk.
type Artifact struct {
	Dir    string
	Launch LaunchSpec
}

// NeedsInstall reports whether the dependency cache is missing.
func (a Artifact) NeedsInstall() bool {
	info, err := os.Stat(filepath.Join(a.Dir, depsDir))
	return err != nil || !info.IsDir()
}

// StartCommand returns the start command with {port} substituted.
func (a Artifact) StartCommand(port int) []string {
	cmd := make([]string, len(a.Launch.Start))
	for i, arg := range a.Launch.Start {
		cmd[i] = strings.ReplaceAll(arg, "{port}", strconv.Itoa(port))
	}
	return cmd
}

// ResolveArtifact locates an example under root and merges the launch defaults
// with the example's preview.toml, if any.
func ResolveArtifact(root string, example *store.CodeExample, defaults LaunchSpec) (*Artifact, error) {
	dir := filepath.Join(root, filepath.FromSlash(example.Path))
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside the artifact root", ErrArtifactNotFound, example.Path)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %s", ErrArtifactNotFound, example.Path)
	}
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
		return nil, fmt.Errorf("%w: %s has no %s", ErrArtifactNotFound, example.Path, manifestFile)
	}

	launch := LaunchSpec{
		Install:   defaults.Install,
		Start:     defaults.Start,
		ReadyPath: defaults.ReadyPath,
		Env:       map[string]string{},
	}
	for k, v := range defaults.Env {
		launch.Env[k] = v
	}

	var overrides LaunchSpec
	_, err = toml.DecodeFile(filepath.Join(dir, overridesFile), &overrides)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("invalid %s in %s: %w", overridesFile, example.Path, err)
	default:
		if len(overrides.Install) > 0 {
			launch.Install = overrides.Install
		}
		if len(overrides.Start) > 0 {
			launch.Start = overrides.Start
		}
		if overrides.ReadyPath != "" {
			launch.ReadyPath = overrides.ReadyPath
		}
		for k, v := range overrides.Env {
			launch.Env[k] = v
		}
	}

	if len(launch.Start) == 0 {
		return nil, fmt.Errorf("no start command for %s", example.Path)
	}
	if launch.ReadyPath == "" {
		launch.ReadyPath = "/"
	}
	return &Artifact{Dir: dir, Launch: launch}, nil
}
