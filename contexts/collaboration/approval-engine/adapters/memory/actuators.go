package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/secretflow/secretpad-sub000/contexts/collaboration/approval-engine/domain/entities"
)

// Actuators is the in-memory side-effect target of one node: its routes,
// projects and released results. Err, when set, fails every mutation and is
// used to exercise FAILED executions.
type Actuators struct {
	mu       sync.Mutex
	routes   map[[2]string]entities.RouteAction
	projects map[string]entities.Project
	releases []entities.TeeDownloadAction
	calls    int
	Err      error
}

func NewActuators() *Actuators {
	return &Actuators{
		routes:   make(map[[2]string]entities.RouteAction),
		projects: make(map[string]entities.Project),
	}
}

func (a *Actuators) SetError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}

// Calls counts mutating actuator invocations.
func (a *Actuators) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Actuators) RouteExists(_ context.Context, srcPartyID string, dstPartyID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.routes[[2]string{strings.TrimSpace(srcPartyID), strings.TrimSpace(dstPartyID)}]
	return ok, nil
}

func (a *Actuators) CreateRoute(_ context.Context, route entities.RouteAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return a.Err
	}
	a.routes[[2]string{route.SrcPartyID, route.DstPartyID}] = route
	return nil
}

func (a *Actuators) GetProject(_ context.Context, projectID string) (entities.Project, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	project, ok := a.projects[strings.TrimSpace(projectID)]
	if !ok {
		return entities.Project{}, false, nil
	}
	project.Members = append([]string(nil), project.Members...)
	return project, true, nil
}

func (a *Actuators) SaveProject(_ context.Context, project entities.Project) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return a.Err
	}
	project.Members = append([]string(nil), project.Members...)
	a.projects[strings.TrimSpace(project.ProjectID)] = project
	return nil
}

func (a *Actuators) MarkArchived(_ context.Context, projectID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return false, a.Err
	}
	project, ok := a.projects[strings.TrimSpace(projectID)]
	if !ok || project.Status == entities.ProjectStatusArchived {
		return false, nil
	}
	project.Status = entities.ProjectStatusArchived
	a.projects[project.ProjectID] = project
	return true, nil
}

func (a *Actuators) DeleteMemberships(_ context.Context, projectID string, parties []string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return 0, a.Err
	}
	project, ok := a.projects[strings.TrimSpace(projectID)]
	if !ok {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(parties))
	for _, party := range parties {
		drop[strings.TrimSpace(party)] = struct{}{}
	}
	kept := make([]string, 0, len(project.Members))
	for _, member := range project.Members {
		if _, ok := drop[member]; !ok {
			kept = append(kept, member)
		}
	}
	removed := len(project.Members) - len(kept)
	project.Members = kept
	a.projects[project.ProjectID] = project
	return removed, nil
}

func (a *Actuators) PullResultFromSecureNode(_ context.Context, release entities.TeeDownloadAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return a.Err
	}
	a.releases = append(a.releases, release)
	return nil
}

func (a *Actuators) Releases() []entities.TeeDownloadAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]entities.TeeDownloadAction(nil), a.releases...)
}

// Directory is a fixed party id to display name table.
type Directory struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewDirectory(names map[string]string) *Directory {
	copied := make(map[string]string, len(names))
	for id, name := range names {
		copied[strings.TrimSpace(id)] = strings.TrimSpace(name)
	}
	return &Directory{names: copied}
}

func (d *Directory) PartyName(_ context.Context, partyID string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[strings.TrimSpace(partyID)]
	return name, ok, nil
}

func (d *Directory) Parties() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	items := make([]string, 0, len(d.names))
	for id := range d.names {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}
