package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Skyrin/go-writeback/record"
	"github.com/Skyrin/go-writeback/writeback"
	"github.com/Skyrin/go-writeback/writeback/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseChoices(t *testing.T) {
	choices, err := parseChoices([]string{
		"endDate=local",
		" title =remote",
		`value=custom:{"amount":1200}`,
	})
	require.NoError(t, err)

	assert.Equal(t, writeback.Choice{Source: writeback.ChoiceLocal}, choices["endDate"])
	assert.Equal(t, writeback.Choice{Source: writeback.ChoiceRemote}, choices["title"])
	assert.Equal(t, writeback.ChoiceCustom, choices["value"].Source)
	assert.JSONEq(t, `{"amount":1200}`, string(choices["value"].Value))
}

func TestParseChoices_Invalid(t *testing.T) {
	for name, list := range map[string][]string{
		"no separator":   {"endDate"},
		"no field":       {"=local"},
		"unknown source": {"endDate=mine"},
		"bad json":       {"endDate=custom:{oops"},
		"duplicate":      {"endDate=local", "endDate=remote"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseChoices(list)
			assert.Error(t, err)
		})
	}
}

func TestResolveOptions(t *testing.T) {
	r, err := (&resolveOptions{Strategy: model.ResolutionUseRemote, ResolvedBy: "ops"}).resolution()
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionUseRemote, r.Strategy)
	assert.Nil(t, r.Choices)

	_, err = (&resolveOptions{Strategy: model.ResolutionUseLocal, ResolvedBy: "ops",
		Choices: []string{"endDate=local"}}).resolution()
	assert.Error(t, err)

	r, err = (&resolveOptions{Strategy: model.ResolutionMerge, ResolvedBy: "ops",
		Choices: []string{"endDate=local"}}).resolution()
	require.NoError(t, err)
	assert.Len(t, r.Choices, 1)
}

func TestEnqueueOptions(t *testing.T) {
	p, err := (&enqueueOptions{Operation: "delete", Priority: 3, At: "2026-01-02"}).param("mod-1")
	require.NoError(t, err)
	assert.Equal(t, "mod-1", p.ModificationID)
	assert.Equal(t, record.OpDelete, p.Operation)
	assert.Equal(t, 3, p.Priority)
	require.NotNil(t, p.ScheduledAt)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), *p.ScheduledAt)

	p, err = (&enqueueOptions{Operation: "UPDATE", Payload: `{"title":"x"}`}).param("mod-2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"x"}`, string(p.Payload))
	assert.Nil(t, p.ScheduledAt)
	assert.Nil(t, p.MaxRetries)

	p, err = (&enqueueOptions{Operation: "UPDATE", MaxRetries: 0, maxRetriesSet: true}).param("mod-2")
	require.NoError(t, err)
	require.NotNil(t, p.MaxRetries)
	assert.Equal(t, 0, *p.MaxRetries)

	_, err = (&enqueueOptions{Operation: "CREATE"}).param("mod-3")
	assert.Error(t, err)
	_, err = (&enqueueOptions{Operation: "UPDATE", Payload: "{"}).param("mod-3")
	assert.Error(t, err)
	_, err = (&enqueueOptions{Operation: "UPDATE", At: "tomorrow"}).param("mod-3")
	assert.Error(t, err)
}

func TestStatusOptions(t *testing.T) {
	f, err := (&statusOptions{}).filter()
	require.NoError(t, err)
	assert.Equal(t, model.QueueFilter{}, f)

	f, err = (&statusOptions{
		TargetID:  "agr-1",
		Operation: "update",
		Since:     "2026-01-01T00:00:00Z",
		Until:     "2026-02-01",
	}).filter()
	require.NoError(t, err)
	require.NotNil(t, f.TargetID)
	assert.Equal(t, "agr-1", *f.TargetID)
	require.NotNil(t, f.Operation)
	assert.Equal(t, "UPDATE", *f.Operation)
	require.NotNil(t, f.CreatedSince)
	require.NotNil(t, f.CreatedUntil)
	assert.True(t, f.CreatedSince.Before(*f.CreatedUntil))

	_, err = (&statusOptions{Operation: "merge"}).filter()
	assert.Error(t, err)
}

func TestPrintResult(t *testing.T) {
	v := recoverResult{Recovered: 4}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, OutputJSON, v))
	var fromJSON map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, 4, fromJSON["recovered"])

	buf.Reset()
	require.NoError(t, printResult(&buf, OutputYAML, v))
	var fromYAML map[string]int
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, 4, fromYAML["recovered"])
}

func TestRootCommand_Output(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	cmd.SetArgs([]string{"-o", "xml", "version"})
	assert.ErrorContains(t, cmd.Execute(), "invalid output")

	out.Reset()
	cmd.SetArgs([]string{"-o", "json", "version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "writeback dev (build dev)")
}

func TestReadRemoteVersions(t *testing.T) {
	in := `[{"targetId":"agr-1","organizationId":"org-1","version":4,"data":{"title":"A"}},
		{"targetId":"agr-2","organizationId":"org-1","version":2,"deleted":true}]`

	rvList, err := readRemoteVersions(bytes.NewBufferString(in), "-")
	require.NoError(t, err)
	require.Len(t, rvList, 2)
	assert.Equal(t, "agr-1", rvList[0].TargetID)
	assert.Equal(t, int64(4), rvList[0].Version)
	assert.JSONEq(t, `{"title":"A"}`, string(rvList[0].Data))
	assert.True(t, rvList[1].Deleted)

	path := filepath.Join(t.TempDir(), "versions.json")
	require.NoError(t, os.WriteFile(path, []byte(in), 0o600))
	rvList, err = readRemoteVersions(nil, path)
	require.NoError(t, err)
	assert.Len(t, rvList, 2)

	_, err = readRemoteVersions(bytes.NewBufferString("{"), "-")
	assert.Error(t, err)
}
