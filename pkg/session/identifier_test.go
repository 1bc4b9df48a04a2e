package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIDSanitizesBase(t *testing.T) {
	id := GenerateID("My Project!!")
	assert.Contains(t, id, "my-project")
}

func TestGenerateIDDefaultsWhenBaseEmpty(t *testing.T) {
	id := GenerateID("   ")
	assert.Contains(t, id, "session-")
}

func TestGenerateIDIsUnique(t *testing.T) {
	a := GenerateID("x")
	b := GenerateID("x")
	assert.NotEqual(t, a, b)
}
