// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestAgentWorkspaceDefaults(t *testing.T) {
	stream := &Stream{
		ID:   "main",
		Name: "//depot/main",
		AgentTypes: map[string]AgentType{
			"linux":   {Pool: "linux"},
			"editor":  {Pool: "win", Workspace: "editor"},
			"missing": {Pool: "win", Workspace: "nope"},
			"nopool":  {},
		},
		WorkspaceTypes: map[string]WorkspaceType{
			"editor": {Identifier: "main-editor", View: []string{"-//depot/main/Samples/..."}, Incremental: true},
		},
	}

	poolID, workspace, err := stream.AgentWorkspace("linux")
	if err != nil {
		t.Fatalf("AgentWorkspace(linux): %v", err)
	}
	if poolID != "linux" || workspace.Identifier != "main" || workspace.Stream != "//depot/main" {
		t.Errorf("default workspace = %s %+v", poolID, workspace)
	}

	poolID, workspace, err = stream.AgentWorkspace("editor")
	if err != nil {
		t.Fatalf("AgentWorkspace(editor): %v", err)
	}
	want := AgentWorkspace{Identifier: "main-editor", Stream: "//depot/main", View: []string{"-//depot/main/Samples/..."}, Incremental: true}
	if poolID != "win" || !workspace.Equal(want) {
		t.Errorf("editor workspace = %s %+v", poolID, workspace)
	}

	for _, name := range []string{"missing", "nopool", "undeclared"} {
		if _, _, err := stream.AgentWorkspace(name); err == nil {
			t.Errorf("AgentWorkspace(%s) succeeded", name)
		}
	}
}

func TestParseStreamJSONC(t *testing.T) {
	stream, err := ParseStream([]byte(`{
		// Main development line.
		"name": "//depot/main", /* depot path */
		"agent_types": {
			"linux": {"pool": "linux"},
		},
	}`))
	if err != nil {
		t.Fatalf("ParseStream: %v", err)
	}
	if stream.Name != "//depot/main" || stream.AgentTypes["linux"].Pool != "linux" {
		t.Errorf("stream = %+v", stream)
	}

	if _, err := ParseStream([]byte(`{"agent_types": {}}`)); err == nil {
		t.Error("stream without a name accepted")
	}
}

func writeStream(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestConfigDir(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, "main.jsonc", `{"name": "//depot/main", "agent_types": {"linux": {"pool": "linux"}}}`)
	writeStream(t, dir, "release.json", `{"id": "rel", "name": "//depot/release"}`)
	writeStream(t, dir, "README.md", "not a stream")
	if err := os.Mkdir(filepath.Join(dir, "archive.jsonc"), 0755); err != nil {
		t.Fatal(err)
	}

	streams, err := ConfigDir{Path: dir}.ListStreams(context.Background())
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	var got []string
	for _, stream := range streams {
		got = append(got, stream.ID)
	}
	if !slices.Equal(got, []string{"main", "rel"}) {
		t.Errorf("stream ids = %v, want [main rel]", got)
	}
}

func TestConfigDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, "main.jsonc", `{"name": "//depot/main"}`)
	writeStream(t, dir, "other.jsonc", `{"id": "main", "name": "//depot/other"}`)

	_, err := ConfigDir{Path: dir}.ListStreams(context.Background())
	if err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Errorf("ListStreams = %v, want duplicate error", err)
	}
}

func TestConfigDirReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	writeStream(t, dir, "broken.jsonc", `{"name": `)

	_, err := ConfigDir{Path: dir}.ListStreams(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken.jsonc") {
		t.Errorf("ListStreams = %v, want error naming the file", err)
	}
}
