package runtime

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// InputFileName is the file the params are written to in InputFile mode.
	InputFileName = "input.json"
	// InputEnvVar holds the path of InputFileName inside the sandbox.
	InputEnvVar = "CASE_INPUT"
)

// Invocation is how one test vector is handed to the program.
type Invocation struct {
	Args  []string
	Env   []string
	Stdin []byte
	Files []File
}

// Invoke renders params according to mode. Extra args are appended after any param args.
func Invoke(mode InputMode, workdir string, params map[string]any, extra []string) (Invocation, error) {
	var inv Invocation

	switch mode {
	case InputStdin, "":
		data, err := encodeParams(params)
		if err != nil {
			return Invocation{}, err
		}
		inv.Stdin = append(data, '\n')
	case InputArgs:
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := json.Marshal(params[name])
			if err != nil {
				return Invocation{}, fmt.Errorf("encode param %q: %w", name, err)
			}
			inv.Args = append(inv.Args, string(data))
		}
	case InputFile:
		data, err := encodeParams(params)
		if err != nil {
			return Invocation{}, err
		}
		inv.Files = []File{{Name: InputFileName, Mode: 0o644, Data: data}}
		inv.Env = []string{InputEnvVar + "=" + joinPath(workdir, InputFileName)}
	default:
		return Invocation{}, fmt.Errorf("unknown input mode %q", mode)
	}

	inv.Args = append(inv.Args, extra...)
	return inv, nil
}

func encodeParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	if dir[len(dir)-1] == '/' {
		return dir + name
	}
	return dir + "/" + name
}
