package runner

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/sandbox"
)

// The JSON document a stage reads from stdin. All paths are sandbox-side.
type stageArguments struct {
	Tree    string                   `json:"tree"`
	Options json.RawMessage          `json:"options,omitempty"`
	Inputs  map[string]inputArgument `json:"inputs,omitempty"`
	Devices map[string]pathArgument  `json:"devices,omitempty"`
	Mounts  map[string]pathArgument  `json:"mounts,omitempty"`
}

// A resolved input: where it is bound and which files it carries.
type inputArgument struct {
	Path  string   `json:"path"`
	Files []string `json:"files,omitempty"`
}

// A resolved device node or mount target.
type pathArgument struct {
	Path string `json:"path"`
}

// Envelope for messages a stage sends over the API channel.
type apiMessage struct {
	Type string `json:"type"`

	// For "message".
	Text string `json:"text,omitempty"`

	// For "error".
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`

	// For "request".
	ID   uint64          `json:"id,omitempty"`
	Kind string          `json:"kind,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply to an API request.
type apiReply struct {
	Type  string    `json:"type"`
	ID    uint64    `json:"id"`
	Data  replyData `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

type replyData struct {
	Path string `json:"path,omitempty"`
}

// Structured failure reported by a stage over the API channel.
type StageFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Builds the stage arguments document from the resolved stage and its
// assembled build root.
//
// Input file manifests are read from the host side of each bind; device
// and mount paths are translated to their sandbox-side locations.
func buildArguments(stage *manifest.Stage, root *sandbox.BuildRoot) (*stageArguments, error) {
	args := &stageArguments{
		Tree:    sandbox.TreeTarget,
		Options: stage.Options,
	}

	if len(root.Inputs) > 0 {
		args.Inputs = make(map[string]inputArgument, len(root.Inputs))
		for name, host := range root.Inputs {
			files, err := listFiles(host)
			if err != nil {
				return nil, err
			}
			args.Inputs[name] = inputArgument{
				Path:  path.Join(sandbox.InputsTarget, name),
				Files: files,
			}
		}
	}

	if len(stage.Devices) > 0 {
		args.Devices = make(map[string]pathArgument, len(stage.Devices))
		for name := range stage.Devices {
			dev, ok := root.Devices().Device(name)
			if !ok {
				return nil, fmt.Errorf("%w: device %q not attached", ErrRunner, name)
			}
			args.Devices[name] = pathArgument{Path: dev.Node}
		}
	}

	if len(stage.Mounts) > 0 {
		args.Mounts = make(map[string]pathArgument, len(stage.Mounts))
		for _, mnt := range stage.Mounts {
			args.Mounts[mnt.Name] = pathArgument{
				Path: path.Join(sandbox.MountsTarget, mnt.Target),
			}
		}
	}

	return args, nil
}

// Lists the regular files under root as sorted relative paths.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
