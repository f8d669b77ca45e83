package criteria

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_ValidAndCritical(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), "kind %s should be valid", k)
	}
	assert.False(t, Kind("file_missing").Valid())

	assert.True(t, FileExists.Critical())
	assert.True(t, CommandSucceeds.Critical())
	assert.False(t, GitDiffIncludes.Critical())
}

func TestDedupe_KeepsFirstOccurrence(t *testing.T) {
	in := []Criterion{
		{Kind: FileExists, Value: "a.go"},
		{Kind: CommandSucceeds, Value: "go test ./..."},
		{Kind: FileExists, Value: "a.go"},
		{Kind: FileContains, Value: "a.go"},
	}

	out := Dedupe(in)

	assert.Equal(t, []Criterion{
		{Kind: FileExists, Value: "a.go"},
		{Kind: CommandSucceeds, Value: "go test ./..."},
		{Kind: FileContains, Value: "a.go"},
	}, out)
}

func TestCriterion_Label(t *testing.T) {
	c := Criterion{Kind: FileContains, Value: "README.md::Usage"}
	assert.Equal(t, "file_contains: README.md::Usage", c.Label())
}
