// ABOUTME: Tests for catalog loading, overrides and rendering
// ABOUTME: Verifies every declared key exists in the built-in catalog

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKeys = []Key{
	GreetingMorning, GreetingAfternoon, GreetingEvening, AskName, AskIfCustomer,
	OptionYes, OptionNo, AskTaxID, Registered, InvalidTaxID, Unavailable,
	SearchingAttendant, StartedCustomer, StartedAttendant, TransferReceived,
	TransferDone, TransferCustomer, NotAttending, FinishedAttendant, FinishedCustomer,
	NoAttendants, AvailableAttendants, AttendantOption, AttendantNotFound,
	AttendantUnavailable, CustomerSaid, AttendantSaid, ProfileUpdatedAttendant,
	ProfileUpdatedCustomer, Yes, No, NotInformed,
	WelcomeAttendant, TransferUsage, RegisterUsage, CommandUnavailable,
}

func TestDefault_HasEveryKey(t *testing.T) {
	c := Default()
	for _, k := range allKeys {
		_, ok := c.templates[k]
		assert.True(t, ok, "missing key %s", k)
	}
}

func TestText_Renders(t *testing.T) {
	c := Default()

	got := c.Text(AskName, map[string]string{"Greeting": "good morning"})
	assert.Equal(t, "Hello, good morning! What is your name?", got)

	got = c.Text(FinishedAttendant, map[string]any{"SLAMinutes": 7})
	assert.Equal(t, "The service was finished. The SLA was 7 minutes.", got)
}

func TestText_UnknownKey(t *testing.T) {
	assert.Equal(t, "nope.key", Default().Text(Key("nope.key"), nil))
}

func TestParse_Overrides(t *testing.T) {
	c, err := Parse([]byte(`
[service]
not_attending = "Nenhum chamado em andamento."
`))
	require.NoError(t, err)

	assert.Equal(t, "Nenhum chamado em andamento.", c.Text(NotAttending, nil))
	// Untouched keys keep their defaults
	assert.Equal(t, "Yes", c.Text(Yes, nil))
}

func TestParse_RejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte("[service]\nmystery = \"x\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service.mystery")
}

func TestParse_RejectsBadTemplate(t *testing.T) {
	_, err := Parse([]byte("[service]\nyes = \"{{.Broken\"\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "No", c.Text(No, nil))

	path := filepath.Join(t.TempDir(), "catalog.toml")
	require.NoError(t, os.WriteFile(path, []byte("[service]\nno = \"Não\"\n"), 0644))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Não", c.Text(No, nil))

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
