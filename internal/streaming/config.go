package streaming

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig оборачивает все ошибки валидации конфигурации
var ErrInvalidConfig = errors.New("streaming: invalid config")

// Config параметры стриминга мира
type Config struct {
	ChunkSize float64 `yaml:"chunk_size"`
	WorldSize float64 `yaml:"world_size"` // 0 - мир без границ

	LoadRadius      float64 `yaml:"load_radius"`
	HibernateRadius float64 `yaml:"hibernate_radius"`
	UnloadRadius    float64 `yaml:"unload_radius"`

	MaxLoadsPerFrame   int `yaml:"max_loads_per_frame"`
	MaxUnloadsPerFrame int `yaml:"max_unloads_per_frame"`
	MaxConcurrentLoads int `yaml:"max_concurrent_loads"`

	LODDistances []float64 `yaml:"lod_distances"`

	HibernationTimeout   time.Duration `yaml:"hibernation_timeout"`
	HibernateGracePeriod time.Duration `yaml:"hibernate_grace_period"`

	PredictiveLoading bool    `yaml:"predictive_loading"`
	VelocityLookahead float64 `yaml:"velocity_lookahead"` // секунды

	MaxLoadRetries       int           `yaml:"max_load_retries"`
	RetryPriorityPenalty float64       `yaml:"retry_priority_penalty"`
	FailedLoadCooldown   time.Duration `yaml:"failed_load_cooldown"`

	VisibilityPenalty   float64 `yaml:"visibility_penalty"`
	VelocityBonusScale  float64 `yaml:"velocity_bonus_scale"`
	MinVelocityForBonus float64 `yaml:"min_velocity_for_bonus"`

	EntityBoundsTolerance float64 `yaml:"entity_bounds_tolerance"`
	StatsWindow           int     `yaml:"stats_window"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ChunkSize:             64,
		WorldSize:             8192,
		LoadRadius:            192,
		HibernateRadius:       224,
		UnloadRadius:          256,
		MaxLoadsPerFrame:      4,
		MaxUnloadsPerFrame:    4,
		MaxConcurrentLoads:    8,
		LODDistances:          []float64{64, 128, 192},
		HibernationTimeout:    60 * time.Second,
		HibernateGracePeriod:  2 * time.Second,
		PredictiveLoading:     true,
		VelocityLookahead:     1.5,
		MaxLoadRetries:        3,
		RetryPriorityPenalty:  50,
		FailedLoadCooldown:    10 * time.Second,
		VisibilityPenalty:     1000,
		VelocityBonusScale:    100,
		MinVelocityForBonus:   0.1,
		EntityBoundsTolerance: 2,
		StatsWindow:           60,
	}
}

// Validate проверяет согласованность параметров
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive, got %v", ErrInvalidConfig, c.ChunkSize)
	case c.WorldSize < 0:
		return fmt.Errorf("%w: world_size must not be negative", ErrInvalidConfig)
	case c.LoadRadius <= 0:
		return fmt.Errorf("%w: load_radius must be positive", ErrInvalidConfig)
	case !(c.LoadRadius < c.HibernateRadius && c.HibernateRadius < c.UnloadRadius):
		return fmt.Errorf("%w: radii must satisfy load < hibernate < unload (%v, %v, %v)",
			ErrInvalidConfig, c.LoadRadius, c.HibernateRadius, c.UnloadRadius)
	case c.MaxLoadsPerFrame < 1:
		return fmt.Errorf("%w: max_loads_per_frame must be at least 1", ErrInvalidConfig)
	case c.MaxUnloadsPerFrame < 1:
		return fmt.Errorf("%w: max_unloads_per_frame must be at least 1", ErrInvalidConfig)
	case c.MaxConcurrentLoads < 0:
		return fmt.Errorf("%w: max_concurrent_loads must not be negative", ErrInvalidConfig)
	case c.HibernationTimeout <= 0:
		return fmt.Errorf("%w: hibernation_timeout must be positive", ErrInvalidConfig)
	case c.HibernateGracePeriod < 0:
		return fmt.Errorf("%w: hibernate_grace_period must not be negative", ErrInvalidConfig)
	case c.VelocityLookahead < 0:
		return fmt.Errorf("%w: velocity_lookahead must not be negative", ErrInvalidConfig)
	case c.MaxLoadRetries < 0:
		return fmt.Errorf("%w: max_load_retries must not be negative", ErrInvalidConfig)
	case c.RetryPriorityPenalty < 0 || c.VisibilityPenalty < 0 || c.VelocityBonusScale < 0:
		return fmt.Errorf("%w: priority penalties must not be negative", ErrInvalidConfig)
	case c.MinVelocityForBonus < 0:
		return fmt.Errorf("%w: min_velocity_for_bonus must not be negative", ErrInvalidConfig)
	case c.FailedLoadCooldown < 0:
		return fmt.Errorf("%w: failed_load_cooldown must not be negative", ErrInvalidConfig)
	case c.EntityBoundsTolerance < 0:
		return fmt.Errorf("%w: entity_bounds_tolerance must not be negative", ErrInvalidConfig)
	case c.StatsWindow < 1:
		return fmt.Errorf("%w: stats_window must be at least 1", ErrInvalidConfig)
	}

	for i, d := range c.LODDistances {
		if d <= 0 {
			return fmt.Errorf("%w: lod_distances[%d] must be positive", ErrInvalidConfig, i)
		}
		if i > 0 && d <= c.LODDistances[i-1] {
			return fmt.Errorf("%w: lod_distances must be strictly increasing", ErrInvalidConfig)
		}
	}
	return nil
}

// Clone возвращает копию без общих срезов
func (c Config) Clone() Config {
	cp := c
	cp.LODDistances = append([]float64(nil), c.LODDistances...)
	return cp
}

// ConfigPatch частичное обновление конфигурации; nil поля сохраняют текущее значение
type ConfigPatch struct {
	ChunkSize             *float64       `yaml:"chunk_size,omitempty"`
	WorldSize             *float64       `yaml:"world_size,omitempty"`
	LoadRadius            *float64       `yaml:"load_radius,omitempty"`
	HibernateRadius       *float64       `yaml:"hibernate_radius,omitempty"`
	UnloadRadius          *float64       `yaml:"unload_radius,omitempty"`
	MaxLoadsPerFrame      *int           `yaml:"max_loads_per_frame,omitempty"`
	MaxUnloadsPerFrame    *int           `yaml:"max_unloads_per_frame,omitempty"`
	MaxConcurrentLoads    *int           `yaml:"max_concurrent_loads,omitempty"`
	LODDistances          []float64      `yaml:"lod_distances,omitempty"`
	HibernationTimeout    *time.Duration `yaml:"hibernation_timeout,omitempty"`
	HibernateGracePeriod  *time.Duration `yaml:"hibernate_grace_period,omitempty"`
	PredictiveLoading     *bool          `yaml:"predictive_loading,omitempty"`
	VelocityLookahead     *float64       `yaml:"velocity_lookahead,omitempty"`
	MaxLoadRetries        *int           `yaml:"max_load_retries,omitempty"`
	RetryPriorityPenalty  *float64       `yaml:"retry_priority_penalty,omitempty"`
	FailedLoadCooldown    *time.Duration `yaml:"failed_load_cooldown,omitempty"`
	VisibilityPenalty     *float64       `yaml:"visibility_penalty,omitempty"`
	VelocityBonusScale    *float64       `yaml:"velocity_bonus_scale,omitempty"`
	MinVelocityForBonus   *float64       `yaml:"min_velocity_for_bonus,omitempty"`
	EntityBoundsTolerance *float64       `yaml:"entity_bounds_tolerance,omitempty"`
	StatsWindow           *int           `yaml:"stats_window,omitempty"`
}

// Apply сливает патч с базовой конфигурацией и возвращает результат
func (p ConfigPatch) Apply(base Config) Config {
	c := base.Clone()
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setD := func(dst *time.Duration, v *time.Duration) {
		if v != nil {
			*dst = *v
		}
	}

	setF(&c.ChunkSize, p.ChunkSize)
	setF(&c.WorldSize, p.WorldSize)
	setF(&c.LoadRadius, p.LoadRadius)
	setF(&c.HibernateRadius, p.HibernateRadius)
	setF(&c.UnloadRadius, p.UnloadRadius)
	setI(&c.MaxLoadsPerFrame, p.MaxLoadsPerFrame)
	setI(&c.MaxUnloadsPerFrame, p.MaxUnloadsPerFrame)
	setI(&c.MaxConcurrentLoads, p.MaxConcurrentLoads)
	if p.LODDistances != nil {
		c.LODDistances = append([]float64(nil), p.LODDistances...)
	}
	setD(&c.HibernationTimeout, p.HibernationTimeout)
	setD(&c.HibernateGracePeriod, p.HibernateGracePeriod)
	if p.PredictiveLoading != nil {
		c.PredictiveLoading = *p.PredictiveLoading
	}
	setF(&c.VelocityLookahead, p.VelocityLookahead)
	setI(&c.MaxLoadRetries, p.MaxLoadRetries)
	setF(&c.RetryPriorityPenalty, p.RetryPriorityPenalty)
	setD(&c.FailedLoadCooldown, p.FailedLoadCooldown)
	setF(&c.VisibilityPenalty, p.VisibilityPenalty)
	setF(&c.VelocityBonusScale, p.VelocityBonusScale)
	setF(&c.MinVelocityForBonus, p.MinVelocityForBonus)
	setF(&c.EntityBoundsTolerance, p.EntityBoundsTolerance)
	setI(&c.StatsWindow, p.StatsWindow)
	return c
}

// inWorld проверяет, что чанк целиком лежит в [-WorldSize/2, WorldSize/2)
func (c Config) inWorld(id ChunkID) bool {
	if c.WorldSize <= 0 {
		return true
	}
	half := c.WorldSize / 2
	b := id.Bounds(c.ChunkSize)
	return b.MinX >= -half && b.MaxX <= half && b.MinZ >= -half && b.MaxZ <= half
}

// lodFor возвращает уровень детализации для дистанции
func (c Config) lodFor(distance float64) int {
	for i, threshold := range c.LODDistances {
		if distance <= threshold {
			return i
		}
	}
	return len(c.LODDistances)
}
