package agent

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/dotlore/pkg/logger"
	"github.com/dotsetgreg/dotlore/pkg/memory"
)

// Persistence is where actors keep their state between runs.
// state.SQLiteStore implements it.
type Persistence interface {
	SaveMemory(ctx context.Context, actor string, delta memory.Delta) error
	LoadMemory(ctx context.Context, actor string) ([]memory.Row, []string, error)
	PutBlob(ctx context.Context, actor, name string, v any) error
	GetBlob(ctx context.Context, actor, name string, out any) (bool, error)
}

const (
	blobLocations = "locations"
	blobSchedule  = "schedule"
	blobModes     = "modes"
	blobDetails   = "details"
)

type details struct {
	Using        map[string]bool     `json:"using"`
	Summary      string              `json:"summary"`
	Settings     Settings            `json:"settings"`
	Declarations map[string][]string `json:"declarations"`
	SystemPrompt string              `json:"system_prompt"`
	Location     string              `json:"location"`
}

// Save writes the memory changes made since the last save, the location
// list, the schedule, the modalities and the actor's details.
func (a *Actor) Save(ctx context.Context) error {
	p := a.director.store
	if p == nil {
		return nil
	}

	delta := a.store.TakeDelta()
	if !delta.Empty() {
		if err := p.SaveMemory(ctx, a.name, delta); err != nil {
			a.store.RequeueDelta(delta)
			return fmt.Errorf("save %s memory: %w", a.name, err)
		}
	}

	a.mu.Lock()
	locations := append([]string(nil), a.locations...)
	newLocs := len(locations) > a.savedLocs
	modes := make(map[string][]string, len(a.modalities))
	for k, v := range a.modalities {
		modes[k] = append([]string(nil), v...)
	}
	d := details{
		Using:        make(map[string]bool, len(a.usingModals)),
		Summary:      a.summary,
		Settings:     a.settings,
		SystemPrompt: a.systemPrompt,
		Location:     a.location,
	}
	for k, v := range a.usingModals {
		d.Using[k] = v
	}
	a.mu.Unlock()
	d.Declarations = a.ledger.Declarations()

	if newLocs {
		if err := p.PutBlob(ctx, a.name, blobLocations, locations); err != nil {
			return err
		}
		a.mu.Lock()
		a.savedLocs = len(locations)
		a.mu.Unlock()
	}
	if err := p.PutBlob(ctx, a.name, blobSchedule, a.schedule.Entries()); err != nil {
		return err
	}
	if err := p.PutBlob(ctx, a.name, blobModes, modes); err != nil {
		return err
	}
	if err := p.PutBlob(ctx, a.name, blobDetails, d); err != nil {
		return err
	}
	logger.InfoCF("agent", "Actor saved", map[string]interface{}{
		"actor":   a.name,
		"upserts": len(delta.Upserts),
		"cuts":    len(delta.Cuts),
	})
	return nil
}

// Load restores what Save wrote. Missing blobs leave the defaults alone.
func (a *Actor) Load(ctx context.Context) error {
	p := a.director.store
	if p == nil {
		return nil
	}

	rows, cuts, err := p.LoadMemory(ctx, a.name)
	if err != nil {
		return fmt.Errorf("load %s memory: %w", a.name, err)
	}
	a.store.Load(rows, cuts)

	var locations []string
	if _, err := p.GetBlob(ctx, a.name, blobLocations, &locations); err != nil {
		return err
	}
	var entries []Entry
	hasSchedule, err := p.GetBlob(ctx, a.name, blobSchedule, &entries)
	if err != nil {
		return err
	}
	var modes map[string][]string
	if _, err := p.GetBlob(ctx, a.name, blobModes, &modes); err != nil {
		return err
	}
	var d details
	hasDetails, err := p.GetBlob(ctx, a.name, blobDetails, &d)
	if err != nil {
		return err
	}

	if hasSchedule {
		a.schedule.Restore(entries)
	}
	if hasDetails {
		a.ledger.Restore(d.Declarations)
	}

	a.mu.Lock()
	a.locations = locations
	a.savedLocs = len(locations)
	for k, v := range modes {
		a.modalities[k] = v
	}
	if hasDetails {
		for k, v := range d.Using {
			a.usingModals[k] = v
		}
		a.summary = d.Summary
		a.settings = d.Settings
		if d.SystemPrompt != "" {
			a.systemPrompt = d.SystemPrompt
		}
		a.location = d.Location
		a.locID = indexOf(a.locations, d.Location)
		if a.location != "" && a.locID < 0 {
			a.locID = len(a.locations)
			a.locations = append(a.locations, a.location)
		}
	}
	remember := a.settings.Remember
	locID := a.locID
	a.mu.Unlock()

	a.store.SetRemember(remember)
	if locID >= 0 {
		a.store.SetLocation(locID)
	}
	logger.InfoCF("agent", "Actor loaded", map[string]interface{}{
		"actor":    a.name,
		"memories": len(rows),
		"deleted":  len(cuts),
	})
	return nil
}
