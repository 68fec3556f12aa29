package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/annel0/worldstream/internal/streaming"

// Dispatcher исполняет задания на загрузку чанков.
// Менеджер вызывает его только из своего потока кадров.
type Dispatcher interface {
	// Dispatch запускает задание
	Dispatch(ctx context.Context, job LoadJob)
	// Completed неблокирующе забирает завершённые результаты
	Completed() []LoadResult
	// InFlight количество запущенных, но ещё не забранных заданий
	InFlight() int
	// Capacity предел одновременных заданий, 0 - без ограничения
	Capacity() int
	Close()
}

// runJob выполняет загрузку геометрии и сущностей. Паника загрузчика превращается в ошибку.
func runJob(ctx context.Context, job LoadJob) (res LoadResult) {
	id := job.Descriptor.ID
	res.ID = id
	start := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "streaming.materialize")
	span.SetAttributes(
		attribute.Int("chunk.x", id.X),
		attribute.Int("chunk.z", id.Z),
		attribute.Int("chunk.lod", job.Descriptor.LOD),
	)

	defer func() {
		if r := recover(); r != nil {
			res.Terrain, res.Entities = nil, nil
			res.Err = fmt.Errorf("loader panic for chunk %s: %v", id, r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	terrain, err := job.Terrain.LoadTerrain(ctx, job.Descriptor)
	if err != nil {
		res.Err = fmt.Errorf("load terrain %s: %w", id, err)
		return res
	}
	res.Terrain = terrain

	if job.Entities != nil {
		entities, err := job.Entities.LoadEntities(ctx, id)
		if err != nil {
			res.Terrain = nil
			res.Err = fmt.Errorf("load entities %s: %w", id, err)
			return res
		}
		res.Entities = entities
		span.SetAttributes(attribute.Int("chunk.entities", len(entities)))
	}
	return res
}

// SyncDispatcher выполняет загрузку прямо в вызове Dispatch
type SyncDispatcher struct {
	done []LoadResult
}

// NewSyncDispatcher создаёт синхронный диспетчер
func NewSyncDispatcher() *SyncDispatcher {
	return &SyncDispatcher{}
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, job LoadJob) {
	d.done = append(d.done, runJob(ctx, job))
}

func (d *SyncDispatcher) Completed() []LoadResult {
	out := d.done
	d.done = nil
	return out
}

func (d *SyncDispatcher) InFlight() int { return len(d.done) }
func (d *SyncDispatcher) Capacity() int { return 0 }
func (d *SyncDispatcher) Close()        {}

// AsyncDispatcher выполняет загрузки в пуле горутин ограниченного размера.
// Результаты копятся до следующего Completed.
type AsyncDispatcher struct {
	sem      chan struct{}
	limit    int
	inFlight atomic.Int64

	mu   sync.Mutex
	done []LoadResult

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewAsyncDispatcher создаёт пул на maxConcurrent одновременных загрузок
func NewAsyncDispatcher(maxConcurrent int) *AsyncDispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &AsyncDispatcher{
		sem:   make(chan struct{}, maxConcurrent),
		limit: maxConcurrent,
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, job LoadJob) {
	d.inFlight.Add(1)
	if d.closed.Load() {
		d.finish(LoadResult{ID: job.Descriptor.ID, Err: context.Canceled})
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.finish(LoadResult{ID: job.Descriptor.ID, Err: ctx.Err()})
			return
		}
		res := runJob(ctx, job)
		<-d.sem
		d.finish(res)
	}()
}

func (d *AsyncDispatcher) finish(res LoadResult) {
	d.mu.Lock()
	d.done = append(d.done, res)
	d.mu.Unlock()
}

func (d *AsyncDispatcher) Completed() []LoadResult {
	d.mu.Lock()
	out := d.done
	d.done = nil
	d.mu.Unlock()
	d.inFlight.Add(-int64(len(out)))
	return out
}

func (d *AsyncDispatcher) InFlight() int { return int(d.inFlight.Load()) }
func (d *AsyncDispatcher) Capacity() int { return d.limit }

// Close ждёт завершения запущенных горутин. Контекст заданий отменяет менеджер.
func (d *AsyncDispatcher) Close() {
	d.closed.Store(true)
	d.wg.Wait()
}

// Wait блокируется, пока все запущенные задания не завершатся (для тестов и остановки)
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
