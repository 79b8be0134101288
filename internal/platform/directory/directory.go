// Package directory loads the static table of organizations this node knows
// about: display names for status views and inbox endpoints for HTTP peers.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Party is one organization entry.
type Party struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

type file struct {
	Parties []Party `yaml:"parties"`
}

type Directory struct {
	parties map[string]Party
	order   []string
}

// Load reads a YAML file of the form
//
//	parties:
//	  - id: alice
//	    name: Alice Corp
//	    endpoint: http://alice:8080
func Load(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read party directory: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Directory, error) {
	var decoded file
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("parse party directory: %w", err)
	}
	d := &Directory{parties: make(map[string]Party, len(decoded.Parties))}
	for _, party := range decoded.Parties {
		party.ID = strings.TrimSpace(party.ID)
		party.Name = strings.TrimSpace(party.Name)
		party.Endpoint = strings.TrimRight(strings.TrimSpace(party.Endpoint), "/")
		if party.ID == "" {
			return nil, fmt.Errorf("parse party directory: entry without id")
		}
		if _, ok := d.parties[party.ID]; ok {
			return nil, fmt.Errorf("parse party directory: duplicate party %s", party.ID)
		}
		d.parties[party.ID] = party
		d.order = append(d.order, party.ID)
	}
	return d, nil
}

// PartyName falls back to the id when the entry has no display name.
func (d *Directory) PartyName(_ context.Context, partyID string) (string, bool, error) {
	party, ok := d.parties[strings.TrimSpace(partyID)]
	if !ok {
		return "", false, nil
	}
	if party.Name == "" {
		return party.ID, true, nil
	}
	return party.Name, true, nil
}

func (d *Directory) Endpoint(partyID string) (string, bool) {
	party, ok := d.parties[strings.TrimSpace(partyID)]
	if !ok || party.Endpoint == "" {
		return "", false
	}
	return party.Endpoint, true
}

// Parties returns the entries in file order.
func (d *Directory) Parties() []Party {
	items := make([]Party, 0, len(d.order))
	for _, id := range d.order {
		items = append(items, d.parties[id])
	}
	return items
}
