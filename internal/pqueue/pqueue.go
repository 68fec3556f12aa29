// Package pqueue содержит min-очередь с приоритетами и обновлением приоритета на месте.
package pqueue

import "math"

// entry хранит элемент кучи
type entry[T comparable] struct {
	item     T
	priority float64
	seq      uint64 // порядок первой вставки, разрешает равные приоритеты
}

// Queue представляет бинарную min-кучу по (item, priority) с картой item→индекс.
// Меньший приоритет извлекается раньше. Не потокобезопасна.
type Queue[T comparable] struct {
	heap    []entry[T]
	index   map[T]int
	nextSeq uint64
}

// New создаёт пустую очередь
func New[T comparable]() *Queue[T] {
	return &Queue[T]{
		index: make(map[T]int),
	}
}

// Len возвращает количество элементов
func (q *Queue[T]) Len() int { return len(q.heap) }

// IsEmpty сообщает, пуста ли очередь
func (q *Queue[T]) IsEmpty() bool { return len(q.heap) == 0 }

// Contains проверяет наличие элемента
func (q *Queue[T]) Contains(item T) bool {
	_, ok := q.index[item]
	return ok
}

// Priority возвращает текущий приоритет элемента
func (q *Queue[T]) Priority(item T) (float64, bool) {
	i, ok := q.index[item]
	if !ok {
		return 0, false
	}
	return q.heap[i].priority, true
}

// Enqueue добавляет элемент. Если элемент уже в очереди, обновляет его приоритет.
func (q *Queue[T]) Enqueue(item T, priority float64) {
	if _, ok := q.index[item]; ok {
		q.UpdatePriority(item, priority)
		return
	}
	q.heap = append(q.heap, entry[T]{item: item, priority: priority, seq: q.nextSeq})
	q.nextSeq++
	i := len(q.heap) - 1
	q.index[item] = i
	q.up(i)
}

// Peek возвращает элемент с наименьшим приоритетом без извлечения
func (q *Queue[T]) Peek() (T, float64, bool) {
	if len(q.heap) == 0 {
		var zero T
		return zero, 0, false
	}
	return q.heap[0].item, q.heap[0].priority, true
}

// Dequeue извлекает элемент с наименьшим приоритетом
func (q *Queue[T]) Dequeue() (T, float64, bool) {
	if len(q.heap) == 0 {
		var zero T
		return zero, 0, false
	}
	top := q.heap[0]
	last := len(q.heap) - 1
	q.swap(0, last)
	q.heap[last] = entry[T]{}
	q.heap = q.heap[:last]
	delete(q.index, top.item)
	if len(q.heap) > 0 {
		q.down(0)
	}
	return top.item, top.priority, true
}

// UpdatePriority меняет приоритет элемента на месте. Возвращает false, если элемента нет.
func (q *Queue[T]) UpdatePriority(item T, priority float64) bool {
	i, ok := q.index[item]
	if !ok {
		return false
	}
	old := q.heap[i].priority
	q.heap[i].priority = priority
	switch {
	case priority < old:
		q.up(i)
	case priority > old:
		q.down(i)
	}
	return true
}

// Remove удаляет произвольный элемент: опускает приоритет до минимума,
// поднимает к корню и извлекает.
func (q *Queue[T]) Remove(item T) bool {
	i, ok := q.index[item]
	if !ok {
		return false
	}
	q.heap[i].priority = math.Inf(-1)
	q.up(i)
	if q.index[item] != 0 {
		// Другой элемент уже имеет -Inf и более ранний seq
		q.removeAt(q.index[item])
		return true
	}
	q.Dequeue()
	return true
}

func (q *Queue[T]) removeAt(i int) {
	last := len(q.heap) - 1
	removed := q.heap[i].item
	q.swap(i, last)
	q.heap[last] = entry[T]{}
	q.heap = q.heap[:last]
	delete(q.index, removed)
	if i < len(q.heap) {
		q.down(i)
		q.up(i)
	}
}

// Clear очищает очередь
func (q *Queue[T]) Clear() {
	q.heap = nil
	q.index = make(map[T]int)
}

// Items возвращает копию элементов в порядке кучи
func (q *Queue[T]) Items() []T {
	out := make([]T, len(q.heap))
	for i, e := range q.heap {
		out[i] = e.item
	}
	return out
}

func (q *Queue[T]) less(i, j int) bool {
	a, b := q.heap[i], q.heap[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

// swap меняет элементы местами и синхронизирует карту индексов
func (q *Queue[T]) swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
	q.index[q.heap[i].item] = i
	q.index[q.heap[j].item] = j
}

func (q *Queue[T]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			return
		}
		q.swap(i, parent)
		i = parent
	}
}

func (q *Queue[T]) down(i int) {
	n := len(q.heap)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && q.less(left, smallest) {
			smallest = left
		}
		if right < n && q.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			return
		}
		q.swap(i, smallest)
		i = smallest
	}
}
