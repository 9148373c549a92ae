package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"
	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestScripts runs every testdata/script/*.txt file. Each script gets its own
// work directory and runs loom in-process through the "loom" command.
func TestScripts(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "script", "*.txt"))
	if err != nil {
		t.Fatalf("Glob() failed: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no scripts found")
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			archive, err := txtar.ParseFile(file)
			if err != nil {
				t.Fatalf("ParseFile(%s) failed: %v", file, err)
			}

			work := t.TempDir()
			state, err := script.NewState(context.Background(), work, []string{"WORK=" + work, "HOME=" + work})
			if err != nil {
				t.Fatalf("NewState() failed: %v", err)
			}
			if err := state.ExtractFiles(archive); err != nil {
				t.Fatalf("ExtractFiles() failed: %v", err)
			}

			scripttest.Run(t, newScriptEngine(), state, file, bytes.NewReader(archive.Comment))
		})
	}
}

func newScriptEngine() *script.Engine {
	cmds := script.DefaultCmds()
	cmds["loom"] = script.Command(
		script.CmdUsage{
			Summary: "run the loom command line in-process",
			Args:    "args...",
		},
		func(s *script.State, args ...string) (script.WaitFunc, error) {
			var stdout, stderr bytes.Buffer
			code := run(s.Context(), args, strings.NewReader(""), &stdout, &stderr)
			return func(*script.State) (string, string, error) {
				if code != 0 {
					return stdout.String(), stderr.String(), fmt.Errorf("loom exited with status %d", code)
				}
				return stdout.String(), stderr.String(), nil
			}, nil
		})
	return &script.Engine{Cmds: cmds, Conds: script.DefaultConds()}
}
