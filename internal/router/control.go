package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// The filter endpoints have an asymmetric write protocol: adding an
// entry uses indexed form fields (macfilterTbl[0][macaddress]=...),
// while removing one means re-posting the kept entries as a JSON array
// under the table key. Both shapes below mirror what the web UI sends.

// decodeRows pulls one table out of a filter endpoint's data payload,
// keeping each row as a raw map so removal can round-trip fields we do
// not model (the firmware rejects tables with fields stripped).
func decodeRows(data json.RawMessage, key string) ([]map[string]any, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse filter payload: %w", err)
	}
	var rows []map[string]any
	if raw, ok := payload[key]; ok {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
	}
	return rows, nil
}

// rowString fetches a string field from a raw filter row.
func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

// nextIndex returns the form-field index for a new entry, one past the
// highest __id the firmware has assigned.
func nextIndex(rows []map[string]any) int {
	max := -1
	for _, row := range rows {
		switch id := row["__id"].(type) {
		case string:
			if n, err := strconv.Atoi(id); err == nil && n > max {
				max = n
			}
		case float64:
			if int(id) > max {
				max = int(id)
			}
		}
	}
	return max + 1
}

// encodeRows marshals kept rows for a removal POST. The firmware wants
// the literal string "[]" rather than an absent field.
func encodeRows(rows []map[string]any) string {
	if len(rows) == 0 {
		return "[]"
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// --- Site filtering ---

// BlockedSites returns the domains on the router's site filter.
func (c *Client) BlockedSites(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/sitefilter")
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(env.Data, "sitefilterTbl")
	if err != nil {
		return nil, err
	}

	var sites []string
	for _, row := range rows {
		if site := strings.TrimSpace(rowString(row, "site")); site != "" {
			sites = append(sites, site)
		}
	}
	return sites, nil
}

// BlockSite adds a domain to the site filter. Returns false without
// error when the site was already blocked.
func (c *Client) BlockSite(ctx context.Context, site string) (bool, error) {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		return false, fmt.Errorf("empty site")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/sitefilter")
	if err != nil {
		return false, err
	}
	rows, err := decodeRows(env.Data, "sitefilterTbl")
	if err != nil {
		return false, err
	}

	for _, row := range rows {
		if strings.ToLower(rowString(row, "site")) == site {
			return false, nil
		}
	}

	idx := nextIndex(rows)
	form := url.Values{"enable": {"true"}}
	form.Set(fmt.Sprintf("sitefilterTbl[%d][site]", idx), site)
	form.Set(fmt.Sprintf("sitefilterTbl[%d][blockmethod]", idx), "URL")
	form.Set(fmt.Sprintf("sitefilterTbl[%d][alwaysblock]", idx), "true")

	if _, err := c.apiPostLocked(ctx, "/api/v1/sitefilter", form); err != nil {
		return false, err
	}
	c.logger.Info("site blocked", "site", site)
	return true, nil
}

// UnblockSite removes a domain from the site filter. Returns false
// without error when the site was not blocked.
func (c *Client) UnblockSite(ctx context.Context, site string) (bool, error) {
	site = strings.ToLower(strings.TrimSpace(site))
	if site == "" {
		return false, fmt.Errorf("empty site")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/sitefilter")
	if err != nil {
		return false, err
	}
	rows, err := decodeRows(env.Data, "sitefilterTbl")
	if err != nil {
		return false, err
	}
	trusted, err := decodeRows(env.Data, "sitetrustedTbl")
	if err != nil {
		return false, err
	}

	found := false
	keep := rows[:0]
	for _, row := range rows {
		entry := strings.TrimSpace(rowString(row, "site"))
		if strings.ToLower(entry) == site {
			found = true
			continue
		}
		if entry == "" {
			continue
		}
		keep = append(keep, row)
	}
	if !found {
		return false, nil
	}

	enable := "false"
	if len(keep) > 0 {
		enable = "true"
	}
	form := url.Values{
		"enable":         {enable},
		"sitefilterTbl":  {encodeRows(keep)},
		"sitetrustedTbl": {encodeRows(trusted)},
	}
	if _, err := c.apiPostLocked(ctx, "/api/v1/sitefilter", form); err != nil {
		return false, err
	}
	c.logger.Info("site unblocked", "site", site)
	return true, nil
}

// --- MAC filtering ---

// BlockedDevices returns the entries on the router's MAC filter.
func (c *Client) BlockedDevices(ctx context.Context) ([]BlockedDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedDevicesLocked(ctx)
}

func (c *Client) blockedDevicesLocked(ctx context.Context) ([]BlockedDevice, error) {
	rows, err := c.macRowsLocked(ctx)
	if err != nil {
		return nil, err
	}
	var devices []BlockedDevice
	for _, row := range rows {
		mac := strings.TrimSpace(rowString(row, "macaddress"))
		if mac == "" {
			continue
		}
		devices = append(devices, BlockedDevice{
			MAC:         strings.ToUpper(mac),
			Description: rowString(row, "description"),
		})
	}
	return devices, nil
}

func (c *Client) macRowsLocked(ctx context.Context) ([]map[string]any, error) {
	env, err := c.apiGetLocked(ctx, "/api/v1/macfilter")
	if err != nil {
		return nil, err
	}
	return decodeRows(env.Data, "macfilterTbl")
}

// ResolveDevice turns a user-supplied identifier into a MAC address
// and display name. A literal MAC is accepted as-is; otherwise the
// host table is searched by hostname substring, and finally the MAC
// filter descriptions are checked so already-kicked devices (which
// drop off the host table) can still be addressed by name.
func (c *Client) ResolveDevice(ctx context.Context, ident string) (mac, name string, err error) {
	ident = strings.TrimSpace(ident)
	if hw, parseErr := net.ParseMAC(ident); parseErr == nil {
		return strings.ToUpper(hw.String()), ident, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/host")
	if err != nil {
		return "", "", err
	}
	var table struct {
		HostTbl []hostRow `json:"hostTbl"`
	}
	if err := json.Unmarshal(env.Data, &table); err != nil {
		return "", "", fmt.Errorf("parse host table: %w", err)
	}

	lower := strings.ToLower(ident)
	for _, row := range table.HostTbl {
		hostname := strings.ToLower(row.Hostname)
		if hostname == "" {
			continue
		}
		if strings.Contains(hostname, lower) || strings.Contains(lower, hostname) {
			return strings.ToUpper(row.PhysAddress), row.Hostname, nil
		}
	}

	blocked, err := c.blockedDevicesLocked(ctx)
	if err != nil {
		return "", "", err
	}
	for _, b := range blocked {
		if strings.Contains(strings.ToLower(b.Description), lower) {
			return b.MAC, b.Description, nil
		}
	}

	return "", "", fmt.Errorf("device %q not found", ident)
}

// KickDevice blocks a device (by name or MAC) on the MAC filter.
// Returns the resolved MAC and false when it was already blocked.
func (c *Client) KickDevice(ctx context.Context, ident string) (string, bool, error) {
	mac, name, err := c.ResolveDevice(ctx, ident)
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed, err := c.blockMACLocked(ctx, mac, name)
	return mac, changed, err
}

// AllowDevice removes a device (by name or MAC) from the MAC filter.
// Returns the resolved MAC and false when it was not blocked.
func (c *Client) AllowDevice(ctx context.Context, ident string) (string, bool, error) {
	mac, _, err := c.ResolveDevice(ctx, ident)
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed, err := c.allowMACLocked(ctx, mac)
	return mac, changed, err
}

// BlockMAC blocks a known MAC address without a host table lookup.
func (c *Client) BlockMAC(ctx context.Context, mac, description string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockMACLocked(ctx, strings.ToUpper(mac), description)
}

// AllowMAC unblocks a known MAC address without a host table lookup.
func (c *Client) AllowMAC(ctx context.Context, mac string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowMACLocked(ctx, strings.ToUpper(mac))
}

// blockMACLocked appends a Block entry for mac. Caller holds c.mu.
func (c *Client) blockMACLocked(ctx context.Context, mac, description string) (bool, error) {
	rows, err := c.macRowsLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if strings.EqualFold(rowString(row, "macaddress"), mac) {
			return false, nil
		}
	}

	if description == "" {
		description = mac
	}
	idx := nextIndex(rows)
	form := url.Values{
		"enable":   {"true"},
		"allowall": {"true"}, // allow everything except listed devices
	}
	form.Set(fmt.Sprintf("macfilterTbl[%d][macaddress]", idx), mac)
	form.Set(fmt.Sprintf("macfilterTbl[%d][description]", idx), description)
	form.Set(fmt.Sprintf("macfilterTbl[%d][type]", idx), "Block")
	form.Set(fmt.Sprintf("macfilterTbl[%d][alwaysblock]", idx), "true")
	form.Set(fmt.Sprintf("macfilterTbl[%d][starttime]", idx), "")
	form.Set(fmt.Sprintf("macfilterTbl[%d][endtime]", idx), "")
	form.Set(fmt.Sprintf("macfilterTbl[%d][blockdays]", idx), "")

	if _, err := c.apiPostLocked(ctx, "/api/v1/macfilter", form); err != nil {
		return false, err
	}
	c.logger.Info("device blocked", "mac", mac, "description", description)
	return true, nil
}

// allowMACLocked re-posts the MAC filter without mac. Caller holds c.mu.
func (c *Client) allowMACLocked(ctx context.Context, mac string) (bool, error) {
	rows, err := c.macRowsLocked(ctx)
	if err != nil {
		return false, err
	}

	found := false
	keep := rows[:0]
	for _, row := range rows {
		entry := strings.TrimSpace(rowString(row, "macaddress"))
		if strings.EqualFold(entry, mac) {
			found = true
			continue
		}
		if entry == "" {
			continue
		}
		keep = append(keep, row)
	}
	if !found {
		return false, nil
	}

	enable := "false"
	if len(keep) > 0 {
		enable = "true"
	}
	form := url.Values{
		"enable":       {enable},
		"allowall":     {"true"},
		"macfilterTbl": {encodeRows(keep)},
	}
	if _, err := c.apiPostLocked(ctx, "/api/v1/macfilter", form); err != nil {
		return false, err
	}
	c.logger.Info("device allowed", "mac", mac)
	return true, nil
}

// --- Wi-Fi kill switch ---

// APResult is the outcome of toggling one access point.
type APResult struct {
	Name string
	MAC  string
	// Changed is false when the AP was already in the requested state.
	Changed bool
	Err     error
}

// SetWiFi blocks or unblocks the configured access points on the MAC
// filter. The APs keep broadcasting, but clients behind them lose
// upstream connectivity. Results come back in AP name order.
func (c *Client) SetWiFi(ctx context.Context, enable bool, accessPoints map[string]string) []APResult {
	names := make([]string, 0, len(accessPoints))
	for name := range accessPoints {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.Lock()
	defer c.mu.Unlock()

	results := make([]APResult, 0, len(names))
	for _, name := range names {
		mac := strings.ToUpper(accessPoints[name])
		var changed bool
		var err error
		if enable {
			changed, err = c.allowMACLocked(ctx, mac)
		} else {
			changed, err = c.blockMACLocked(ctx, mac, "AP: "+name)
		}
		results = append(results, APResult{Name: name, MAC: mac, Changed: changed, Err: err})
	}
	return results
}

// --- Lockdown ---

// Lockdown blocks every device on the host table except the protected
// MACs, in a single MAC filter write. Returns the names of the blocked
// devices.
func (c *Client) Lockdown(ctx context.Context, protected []string) ([]string, error) {
	shielded := make(map[string]bool, len(protected))
	for _, mac := range protected {
		shielded[strings.ToUpper(strings.TrimSpace(mac))] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := c.apiGetLocked(ctx, "/api/v1/host")
	if err != nil {
		return nil, err
	}
	var table struct {
		HostTbl []hostRow `json:"hostTbl"`
	}
	if err := json.Unmarshal(env.Data, &table); err != nil {
		return nil, fmt.Errorf("parse host table: %w", err)
	}

	form := url.Values{
		"enable":   {"true"},
		"allowall": {"true"},
	}
	var blocked []string
	idx := 0
	for _, row := range table.HostTbl {
		mac := strings.ToUpper(row.PhysAddress)
		if mac == "" || shielded[mac] {
			continue
		}
		name := displayName(row.Hostname, mac)
		form.Set(fmt.Sprintf("macfilterTbl[%d][macaddress]", idx), mac)
		form.Set(fmt.Sprintf("macfilterTbl[%d][description]", idx), "LOCKDOWN: "+name)
		form.Set(fmt.Sprintf("macfilterTbl[%d][type]", idx), "Block")
		form.Set(fmt.Sprintf("macfilterTbl[%d][alwaysblock]", idx), "true")
		idx++
		blocked = append(blocked, name)
	}

	if _, err := c.apiPostLocked(ctx, "/api/v1/macfilter", form); err != nil {
		return nil, err
	}
	c.logger.Warn("lockdown active", "blocked", len(blocked), "protected", len(protected))
	return blocked, nil
}

// LiftLockdown clears the MAC filter, restoring access for everything.
func (c *Client) LiftLockdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	form := url.Values{
		"enable":       {"true"},
		"allowall":     {"true"},
		"macfilterTbl": {"[]"},
	}
	if _, err := c.apiPostLocked(ctx, "/api/v1/macfilter", form); err != nil {
		return err
	}
	c.logger.Info("lockdown lifted")
	return nil
}
