package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestExportMarkdown(t *testing.T) {
	sess := &Session{
		ID:         "s1",
		EntryClass: "jsand.containerized.SendReady",
		Status:     StatusCompleted,
		Ready:      true,
		Stdout:     "[INFO] BUILD SUCCESS\n",
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	events := []LogEvent{{Logger: "guest", Level: "INFO", Time: time.UnixMilli(0), Message: "hello"}}

	md := ExportMarkdown(sess, events)
	for _, want := range []string{"# jsand.containerized.SendReady", "**Ready:** true", "[guest] hello", "BUILD SUCCESS"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "Stderr") {
		t.Error("empty stderr should be omitted")
	}
}

func TestExportJSON(t *testing.T) {
	data, err := ExportJSON(&Session{ID: "s1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["session"].(map[string]any)["id"] != "s1" {
		t.Errorf("export = %s", data)
	}
}
