package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"voxelfill.ai/internal/sim/fill"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks"`

	World    World    `yaml:"world" json:"world"`
	Fill     Fill     `yaml:"fill" json:"fill"`
	WorldGen WorldGen `yaml:"worldgen" json:"worldgen"`
}

type World struct {
	MinY               int `yaml:"min_y" json:"min_y"`
	MaxY               int `yaml:"max_y" json:"max_y"`
	PreloadChunkRadius int `yaml:"preload_chunk_radius" json:"preload_chunk_radius"`
}

type Fill struct {
	StepsPerTick       int    `yaml:"steps_per_tick" json:"steps_per_tick"`
	ProgressEverySteps int    `yaml:"progress_every_steps" json:"progress_every_steps"`
	DefaultBlock       string `yaml:"default_block" json:"default_block"`
	DefaultBudget      int64  `yaml:"default_budget" json:"default_budget"`
	MaxBudget          int64  `yaml:"max_budget" json:"max_budget"`
	MaxQueued          int    `yaml:"max_queued" json:"max_queued"`
}

type WorldGen struct {
	SurfaceY         int `yaml:"surface_y" json:"surface_y"`
	DeepslateY       int `yaml:"deepslate_y" json:"deepslate_y"`
	CaveMinY         int `yaml:"cave_min_y" json:"cave_min_y"`
	CaveMaxY         int `yaml:"cave_max_y" json:"cave_max_y"`
	CaveCellSize     int `yaml:"cave_cell_size" json:"cave_cell_size"`
	CaveProbPermille int `yaml:"cave_prob_permille" json:"cave_prob_permille"`
	CaveRadius       int `yaml:"cave_radius" json:"cave_radius"`
	OreProbPermille  int `yaml:"ore_prob_permille" json:"ore_prob_permille"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         20,
		SnapshotEveryTicks: 600,
		World: World{
			MinY:               fill.MinY,
			MaxY:               fill.MaxY,
			PreloadChunkRadius: 4,
		},
		Fill: Fill{
			StepsPerTick:       2048,
			ProgressEverySteps: 256,
			DefaultBlock:       "minecraft:stone",
			DefaultBudget:      0,
			MaxBudget:          fill.MaxBudget,
			MaxQueued:          16,
		},
		WorldGen: WorldGen{
			SurfaceY:         64,
			DeepslateY:       16,
			CaveMinY:         8,
			CaveMaxY:         56,
			CaveCellSize:     8,
			CaveProbPermille: 350,
			CaveRadius:       3,
			OreProbPermille:  12,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize replaces non-positive rates with defaults and clamps budgets.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.SnapshotEveryTicks < 0 {
		t.SnapshotEveryTicks = 0
	}
	if t.World.PreloadChunkRadius < 0 {
		t.World.PreloadChunkRadius = 0
	}
	if t.Fill.StepsPerTick <= 0 {
		t.Fill.StepsPerTick = d.Fill.StepsPerTick
	}
	if t.Fill.ProgressEverySteps <= 0 {
		t.Fill.ProgressEverySteps = 1
	}
	if t.Fill.MaxQueued <= 0 {
		t.Fill.MaxQueued = d.Fill.MaxQueued
	}
	if t.Fill.MaxBudget <= 0 || t.Fill.MaxBudget > fill.MaxBudget {
		t.Fill.MaxBudget = fill.MaxBudget
	}
	t.Fill.DefaultBudget = int64(t.ClampBudget(t.Fill.DefaultBudget))
	if t.WorldGen.CaveCellSize <= 0 {
		t.WorldGen.CaveCellSize = d.WorldGen.CaveCellSize
	}
}

func (t Tuning) Validate() error {
	if t.World.MinY < fill.MinY || t.World.MaxY > fill.MaxY || t.World.MinY > t.World.MaxY {
		return fmt.Errorf("world y range [%d,%d] outside [%d,%d]", t.World.MinY, t.World.MaxY, fill.MinY, fill.MaxY)
	}
	if t.WorldGen.SurfaceY < t.World.MinY || t.WorldGen.SurfaceY > t.World.MaxY {
		return fmt.Errorf("worldgen surface_y %d outside world", t.WorldGen.SurfaceY)
	}
	return nil
}

// ClampBudget bounds a requested budget to [0, fill.max_budget].
func (t Tuning) ClampBudget(n int64) int {
	b := fill.ClampBudget(n)
	if t.Fill.MaxBudget > 0 && int64(b) > t.Fill.MaxBudget {
		b = int(t.Fill.MaxBudget)
	}
	return b
}
