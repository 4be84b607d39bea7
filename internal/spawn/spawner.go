package spawn

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default spawn anchor and offset range.
const (
	DefaultAnchorX = 800
	DefaultAnchorY = 600
	DefaultSpread  = 100
)

// Point is a position in room coordinates.
type Point struct {
	X float64
	Y float64
}

// Area is an anchor point plus the half-width of the random offset range
// applied independently on each axis.
type Area struct {
	Anchor Point
	Spread int
}

// Spawner picks join positions. Rooms listed in Table use their own Area;
// every other room uses Default.
type Spawner struct {
	Default Area
	Table   map[string]Area
	Source  Source
}

// NewSpawner creates a Spawner with the given default area and source.
//
// Precondition: src must be non-nil; def.Spread must be >= 0.
func NewSpawner(def Area, src Source) *Spawner {
	return &Spawner{Default: def, Table: map[string]Area{}, Source: src}
}

// Position returns anchor + offset for roomID, with each offset drawn from
// [-spread, spread).
func (s *Spawner) Position(roomID string) Point {
	area, ok := s.Table[roomID]
	if !ok {
		area = s.Default
	}
	return Point{
		X: area.Anchor.X + float64(s.offset(area.Spread)),
		Y: area.Anchor.Y + float64(s.offset(area.Spread)),
	}
}

func (s *Spawner) offset(spread int) int {
	if spread <= 0 {
		return 0
	}
	return s.Source.Intn(2*spread) - spread
}

type yamlTable struct {
	Rooms []yamlArea `yaml:"rooms"`
}

type yamlArea struct {
	ID      string  `yaml:"id"`
	AnchorX float64 `yaml:"anchor_x"`
	AnchorY float64 `yaml:"anchor_y"`
	Spread  *int    `yaml:"spread"`
}

// LoadTable reads per-room spawn areas from a YAML file of the form:
//
//	rooms:
//	  - id: plaza
//	    anchor_x: 400
//	    anchor_y: 300
//	    spread: 50
//
// Rooms that omit spread inherit defSpread.
func LoadTable(path string, defSpread int) (map[string]Area, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spawn table %s: %w", path, err)
	}
	return ParseTable(data, defSpread)
}

// ParseTable parses the YAML format accepted by LoadTable.
func ParseTable(data []byte, defSpread int) (map[string]Area, error) {
	var file yamlTable
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing spawn table: %w", err)
	}

	table := make(map[string]Area, len(file.Rooms))
	for i, r := range file.Rooms {
		if r.ID == "" {
			return nil, fmt.Errorf("spawn table entry %d: id must not be empty", i)
		}
		if _, dup := table[r.ID]; dup {
			return nil, fmt.Errorf("spawn table entry %d: duplicate room %q", i, r.ID)
		}
		spread := defSpread
		if r.Spread != nil {
			spread = *r.Spread
		}
		if spread < 0 {
			return nil, fmt.Errorf("spawn table room %q: spread must be >= 0, got %d", r.ID, spread)
		}
		table[r.ID] = Area{Anchor: Point{X: r.AnchorX, Y: r.AnchorY}, Spread: spread}
	}
	return table, nil
}
