// ABOUTME: Catalog of customer and attendant texts loaded from TOML
// ABOUTME: Built-in defaults are embedded; a file on disk may override any subset

package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"text/template"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultTOML []byte

// Key names one text of the catalog as "section.name".
type Key string

// Registration texts.
const (
	GreetingMorning   Key = "registration.greeting_morning"
	GreetingAfternoon Key = "registration.greeting_afternoon"
	GreetingEvening   Key = "registration.greeting_evening"
	AskName           Key = "registration.ask_name"
	AskIfCustomer     Key = "registration.ask_if_customer"
	OptionYes         Key = "registration.option_yes"
	OptionNo          Key = "registration.option_no"
	AskTaxID          Key = "registration.ask_tax_id"
	Registered        Key = "registration.registered"
	InvalidTaxID      Key = "registration.invalid_tax_id"
	Unavailable       Key = "registration.unavailable"
)

// Service texts.
const (
	SearchingAttendant      Key = "service.searching_attendant"
	StartedCustomer         Key = "service.started_customer"
	StartedAttendant        Key = "service.started_attendant"
	TransferReceived        Key = "service.transfer_received"
	TransferDone            Key = "service.transfer_done"
	TransferCustomer        Key = "service.transfer_customer"
	NotAttending            Key = "service.not_attending"
	FinishedAttendant       Key = "service.finished_attendant"
	FinishedCustomer        Key = "service.finished_customer"
	NoAttendants            Key = "service.no_attendants"
	AvailableAttendants     Key = "service.available_attendants"
	AttendantOption         Key = "service.attendant_option"
	AttendantNotFound       Key = "service.attendant_not_found"
	AttendantUnavailable    Key = "service.attendant_unavailable"
	CustomerSaid            Key = "service.customer_said"
	AttendantSaid           Key = "service.attendant_said"
	ProfileUpdatedAttendant Key = "service.profile_updated_attendant"
	ProfileUpdatedCustomer  Key = "service.profile_updated_customer"
	Yes                     Key = "service.yes"
	No                      Key = "service.no"
	NotInformed             Key = "service.not_informed"
)

// Command texts.
const (
	WelcomeAttendant   Key = "commands.welcome_attendant"
	TransferUsage      Key = "commands.transfer_usage"
	RegisterUsage      Key = "commands.register_usage"
	CommandUnavailable Key = "commands.unavailable"
)

// Catalog renders texts by key.
type Catalog struct {
	templates map[Key]*template.Template
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Load reads overrides from path on top of the built-in catalog.
// An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return Parse(data)
}

// Parse applies TOML overrides on top of the built-in catalog. Keys that
// the built-in catalog does not define are rejected.
func Parse(overrides []byte) (*Catalog, error) {
	texts, err := decode(defaultTOML)
	if err != nil {
		return nil, fmt.Errorf("parsing built-in catalog: %w", err)
	}

	if len(overrides) > 0 {
		custom, err := decode(overrides)
		if err != nil {
			return nil, fmt.Errorf("parsing catalog: %w", err)
		}
		for k, v := range custom {
			if _, ok := texts[k]; !ok {
				return nil, fmt.Errorf("unknown catalog key %q", k)
			}
			texts[k] = v
		}
	}

	c := &Catalog{templates: make(map[Key]*template.Template, len(texts))}
	for k, text := range texts {
		tmpl, err := template.New(string(k)).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", k, err)
		}
		c.templates[k] = tmpl
	}
	return c, nil
}

func decode(data []byte) (map[Key]string, error) {
	var sections map[string]map[string]string
	if _, err := toml.Decode(string(data), &sections); err != nil {
		return nil, err
	}

	texts := make(map[Key]string)
	for section, entries := range sections {
		for name, text := range entries {
			texts[Key(section+"."+name)] = text
		}
	}
	return texts, nil
}

// Text renders key with data. Unknown keys and render failures return the
// key itself so a broken text is visible rather than silent.
func (c *Catalog) Text(key Key, data any) string {
	tmpl, ok := c.templates[key]
	if !ok {
		return string(key)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return string(key)
	}
	return buf.String()
}
