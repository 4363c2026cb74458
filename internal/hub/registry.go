package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oakmere/hearth-core/internal/entity"
)

// Registry list commands. The three registries are fetched once per
// connection over the same socket and joined into entity.RegistryRecords.
const (
	cmdEntityRegistryList = "config/entity_registry/list"
	cmdDeviceRegistryList = "config/device_registry/list"
	cmdAreaRegistryList   = "config/area_registry/list"
)

// Wire shapes of the hub's registry entries. Only the fields the join needs
// are decoded.
type registryEntityEntry struct {
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name"`
	OriginalName string   `json:"original_name"`
	AreaID       string   `json:"area_id"`
	DeviceID     string   `json:"device_id"`
	Platform     string   `json:"platform"`
	Aliases      []string `json:"aliases"`
}

type registryDeviceEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	NameByUser   string `json:"name_by_user"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	AreaID       string `json:"area_id"`
}

type registryAreaEntry struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// loadRegistry fetches the three registries and replaces the cache's
// registry snapshot. Any failure is logged and abandoned for this
// connection; the next reconnect retries, and the event stream remains
// authoritative for state in the meantime.
func (c *Client) loadRegistry() {
	records, err := c.fetchRegistry()
	if err != nil {
		c.errorsTotal.Add(1)
		c.log().Warn("registry load failed, keeping previous snapshot", "error", err)
		return
	}
	c.cache.LoadRegistry(records)
	c.log().Info("registry loaded", "entities", len(records))
}

// fetchRegistry issues the three list commands and composes the
// entity → device → area join.
func (c *Client) fetchRegistry() ([]entity.RegistryRecord, error) {
	var entities []registryEntityEntry
	if err := c.requestInto(cmdEntityRegistryList, &entities); err != nil {
		return nil, err
	}

	var devices []registryDeviceEntry
	if err := c.requestInto(cmdDeviceRegistryList, &devices); err != nil {
		return nil, err
	}

	var areas []registryAreaEntry
	if err := c.requestInto(cmdAreaRegistryList, &areas); err != nil {
		return nil, err
	}

	return composeRegistry(entities, devices, areas), nil
}

// composeRegistry joins the raw registry lists. Name precedence follows the
// hub's own display rules: user-set names beat integration-supplied ones,
// and an entity without its own area inherits its device's.
func composeRegistry(
	entities []registryEntityEntry,
	devices []registryDeviceEntry,
	areas []registryAreaEntry,
) []entity.RegistryRecord {
	deviceByID := make(map[string]registryDeviceEntry, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}
	areaNameByID := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNameByID[a.AreaID] = a.Name
	}

	records := make([]entity.RegistryRecord, 0, len(entities))
	for _, e := range entities {
		if e.EntityID == "" {
			continue
		}

		rec := entity.RegistryRecord{
			EntityID: e.EntityID,
			Platform: e.Platform,
			AreaID:   e.AreaID,
			Aliases:  e.Aliases,
		}

		rec.Name = e.Name
		if rec.Name == "" {
			rec.Name = e.OriginalName
		}

		if e.DeviceID != "" {
			if d, ok := deviceByID[e.DeviceID]; ok {
				rec.DeviceID = d.ID
				rec.DeviceName = d.NameByUser
				if rec.DeviceName == "" {
					rec.DeviceName = d.Name
				}
				rec.Manufacturer = d.Manufacturer
				rec.Model = d.Model
				if rec.AreaID == "" {
					rec.AreaID = d.AreaID
				}
			}
		}

		rec.AreaName = areaNameByID[rec.AreaID]
		records = append(records, rec)
	}
	return records
}

// requestInto sends a bare correlated command and decodes its result payload.
func (c *Client) requestInto(command string, out any) error {
	raw, err := c.request(command)
	if err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", command, err)
	}
	return nil
}

// request performs one correlated request/response exchange over the active
// connection, bounded by the call timeout.
func (c *Client) request(command string) (json.RawMessage, error) {
	if c.State() != StateListening {
		return nil, ErrNotConnected
	}

	id := c.nextCorrelationID()
	ch := c.registerPending(id)

	if err := c.sendFrame(commandFrame{ID: id, Type: command}); err != nil {
		c.unregisterPending(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.success {
			return nil, fmt.Errorf("%w: %s", ErrCallFailed, res.message)
		}
		return res.result, nil
	case <-timer.C:
		c.unregisterPending(id)
		return nil, ErrCallUnconfirmed
	case <-c.done.Done():
		c.unregisterPending(id)
		return nil, ErrCallCancelled
	}
}
