package streaming

import (
	"context"
	"time"
)

// ChunkDescriptor описывает чанк для загрузчика геометрии
type ChunkDescriptor struct {
	ID        ChunkID
	ChunkSize float64
	LOD       int
	Bounds    Bounds
}

// TerrainLoader строит геометрию чанка. Алгоритм генерации вне зоны ответственности менеджера.
type TerrainLoader interface {
	LoadTerrain(ctx context.Context, desc ChunkDescriptor) (*Terrain, error)
}

// EntityLoader возвращает сохранённые сущности чанка
type EntityLoader interface {
	LoadEntities(ctx context.Context, id ChunkID) ([]*Entity, error)
}

// Spawner размещает сущности в живой сцене и убирает их оттуда
type Spawner interface {
	SpawnEntity(chunk ChunkID, e *Entity)
	DespawnEntity(chunk ChunkID, entityID string)
}

// TerrainLoaderFunc адаптер функции к TerrainLoader
type TerrainLoaderFunc func(ctx context.Context, desc ChunkDescriptor) (*Terrain, error)

func (f TerrainLoaderFunc) LoadTerrain(ctx context.Context, desc ChunkDescriptor) (*Terrain, error) {
	return f(ctx, desc)
}

// EntityLoaderFunc адаптер функции к EntityLoader
type EntityLoaderFunc func(ctx context.Context, id ChunkID) ([]*Entity, error)

func (f EntityLoaderFunc) LoadEntities(ctx context.Context, id ChunkID) ([]*Entity, error) {
	return f(ctx, id)
}

// nopSpawner ничего не делает
type nopSpawner struct{}

func (nopSpawner) SpawnEntity(ChunkID, *Entity)  {}
func (nopSpawner) DespawnEntity(ChunkID, string) {}

// flatTerrain возвращает пустую геометрию, когда загрузчик не задан
type flatTerrain struct{}

func (flatTerrain) LoadTerrain(context.Context, ChunkDescriptor) (*Terrain, error) {
	return &Terrain{}, nil
}

// LoadJob задание на материализацию чанка
type LoadJob struct {
	Descriptor ChunkDescriptor
	Terrain    TerrainLoader
	Entities   EntityLoader // может быть nil
}

// LoadResult результат материализации
type LoadResult struct {
	ID       ChunkID
	Terrain  *Terrain
	Entities []*Entity
	Err      error
	Duration time.Duration
}
