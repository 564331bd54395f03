// cidlock.go — таблица блокировок по CID.
// AddAndPin и Remove для одного CID не должны чередоваться,
// иначе конечный автомат записи увидит переход вне очереди.
// Операции над разными CID идут полностью параллельно.
package service

import (
	"sync"
)

// cidLock — блокировка одного CID со счётчиком ссылок.
// Счётчик позволяет удалять неиспользуемые записи из таблицы,
// чтобы она не росла с каждым когда-либо виденным CID.
type cidLock struct {
	mu   sync.Mutex
	refs int
}

// cidLockTable — таблица блокировок, ключ — CID.
type cidLockTable struct {
	mu    sync.Mutex
	locks map[string]*cidLock
}

// newCIDLockTable создаёт пустую таблицу блокировок.
func newCIDLockTable() *cidLockTable {
	return &cidLockTable{locks: make(map[string]*cidLock)}
}

// Lock захватывает блокировку CID, создавая её при необходимости.
func (t *cidLockTable) Lock(cid string) {
	t.mu.Lock()
	l, ok := t.locks[cid]
	if !ok {
		l = &cidLock{}
		t.locks[cid] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
}

// Unlock освобождает блокировку CID и удаляет её из таблицы,
// если ожидающих больше нет.
func (t *cidLockTable) Unlock(cid string) {
	t.mu.Lock()
	l, ok := t.locks[cid]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(t.locks, cid)
		}
	}
	t.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
