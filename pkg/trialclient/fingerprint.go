package trialclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// attrUnavailable substitutes any device attribute the platform could not
// provide. A degraded fingerprint is still usable, just less discriminating.
const attrUnavailable = "unavailable"

// DeviceSnapshot is the fixed attribute set a fingerprint is derived from.
// It must only contain hardware/OS attributes, never user content: the hash
// has to survive app reinstalls, which is exactly what reinstall-based trial
// abuse tries to defeat.
type DeviceSnapshot struct {
	HardwareID   string
	OSVersion    string
	Model        string
	ScreenWidth  int
	ScreenHeight int
	Locale       string
	Timezone     string
	Simulator    bool
}

// SnapshotFunc collects the current device attributes. Platform bindings
// supply their own; HostSnapshot covers plain hosts and tests.
type SnapshotFunc func() DeviceSnapshot

// FingerprintGenerator derives the stable device fingerprint once per
// process. Fingerprint never fails: missing attributes degrade to sentinels.
type FingerprintGenerator struct {
	snapshot SnapshotFunc

	once      sync.Once
	cached    string
	simulator bool
}

func NewFingerprintGenerator(snapshot SnapshotFunc) *FingerprintGenerator {
	if snapshot == nil {
		snapshot = HostSnapshot
	}
	return &FingerprintGenerator{snapshot: snapshot}
}

// Fingerprint returns the hex SHA-256 over the ordered attribute set,
// computed on first use and cached for the process lifetime.
func (g *FingerprintGenerator) Fingerprint() string {
	g.once.Do(func() {
		snap := g.snapshot()
		g.cached = Derive(snap)
		g.simulator = snap.Simulator
	})
	return g.cached
}

// Simulator reports the simulator flag from the snapshot the fingerprint was
// derived from. It travels alongside the hash so the server can weigh it.
func (g *FingerprintGenerator) Simulator() bool {
	g.Fingerprint()
	return g.simulator
}

// Derive computes the fingerprint for a snapshot. Deterministic: identical
// snapshots always produce identical hashes, across processes and reinstalls.
func Derive(snap DeviceSnapshot) string {
	screen := attrUnavailable
	if snap.ScreenWidth > 0 && snap.ScreenHeight > 0 {
		screen = fmt.Sprintf("%dx%d", snap.ScreenWidth, snap.ScreenHeight)
	}
	sim := "0"
	if snap.Simulator {
		sim = "1"
	}
	parts := []string{
		"hw:" + orUnavailable(snap.HardwareID),
		"os:" + orUnavailable(snap.OSVersion),
		"model:" + orUnavailable(snap.Model),
		"screen:" + screen,
		"locale:" + orUnavailable(snap.Locale),
		"tz:" + orUnavailable(snap.Timezone),
		"sim:" + sim,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func orUnavailable(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return attrUnavailable
	}
	return v
}

// HostSnapshot collects attributes of the host the process runs on. It is
// the default collector for CLI and server-side use of the SDK.
func HostSnapshot() DeviceSnapshot {
	snap := DeviceSnapshot{
		OSVersion: runtime.GOOS,
		Model:     runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		snap.HardwareID = hostname
	}
	if name, _ := time.Now().Zone(); name != "" {
		snap.Timezone = name
	}
	if lang := os.Getenv("LANG"); lang != "" {
		snap.Locale = lang
	}
	return snap
}
