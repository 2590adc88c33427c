package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"voxelfill.ai/internal/sim/fill"
)

// AirID is always palette id 0; fresh chunks are zero-filled with it.
const AirID = "minecraft:air"

type Catalogs struct {
	Blocks BlockCatalog
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string

	materials []fill.Material
}

type BlockDef struct {
	ID    string `json:"id"` // "namespace:base_name[k=v,...]"
	Solid bool   `json:"solid"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	path := filepath.Join(configDir, "blocks.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := parseBlocks(raw, &c.Blocks); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	return &c, nil
}

// FromBlocksJSON builds catalogs from an in-memory blocks.json document.
func FromBlocksJSON(raw []byte) (*Catalogs, error) {
	var c Catalogs
	if err := parseBlocks(raw, &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func parseBlocks(raw []byte, out *BlockCatalog) error {
	out.DefsDigest = sha256Hex(raw)

	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return err
	}
	out.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		m, err := fill.ParseMaterial(d.ID)
		if err != nil {
			return err
		}
		// Canonical form: explicit namespace, sorted properties.
		d.ID = m.String()
		if d.Solid && m.IsEmpty() {
			return fmt.Errorf("%s is empty and cannot be solid", d.ID)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("duplicate id %s", d.ID)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if _, ok := out.Defs[AirID]; !ok {
		return fmt.Errorf("missing %s", AirID)
	}
	ids = append([]string{AirID}, filterOut(ids, AirID)...)
	if len(ids) > 1<<16 {
		return fmt.Errorf("too many blocks: %d", len(ids))
	}

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	out.materials = make([]fill.Material, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
		out.materials[i], _ = fill.ParseMaterial(id)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

// Material returns the material for a palette id.
func (c *BlockCatalog) Material(idx uint16) (fill.Material, bool) {
	if int(idx) >= len(c.materials) {
		return fill.Material{}, false
	}
	return c.materials[idx], true
}

// Lookup returns the palette id of a material.
func (c *BlockCatalog) Lookup(m fill.Material) (uint16, bool) {
	idx, ok := c.Index[m.String()]
	return idx, ok
}

// Resolve parses a user supplied block id and maps it onto the palette.
func (c *BlockCatalog) Resolve(id string) (fill.Material, uint16, error) {
	m, err := fill.ParseMaterial(id)
	if err != nil {
		return m, 0, err
	}
	idx, ok := c.Lookup(m)
	if !ok {
		return m, 0, fmt.Errorf("unknown block %s", m.String())
	}
	return m, idx, nil
}

func filterOut(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == remove {
			continue
		}
		out = append(out, s)
	}
	return out
}
