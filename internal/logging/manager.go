package logging

import (
	"fmt"
	"sort"
	"sync"
)

// Имена компонентов стримера
const (
	ComponentStreaming = "streaming"
	ComponentNetwork   = "network"
	ComponentPresenter = "presenter"
	ComponentStorage   = "storage"
	ComponentSync      = "sync"
)

// LoggerManager хранит по одному логгеру на компонент.
// Настройки файлового вывода применяются к логгерам, созданным после изменения.
type LoggerManager struct {
	mu         sync.Mutex
	loggers    map[string]*Logger
	fileOutput bool
	level      LogLevel
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

// GetLoggerManager возвращает глобальный менеджер логгеров
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() {
		globalManager = &LoggerManager{loggers: make(map[string]*Logger), level: INFO}
	})
	return globalManager
}

func (lm *LoggerManager) EnableFileOutput(enabled bool) {
	lm.mu.Lock()
	lm.fileOutput = enabled
	lm.mu.Unlock()
}

// SetDefaultConsoleLevel меняет консольный уровень всех логгеров, включая будущие
func (lm *LoggerManager) SetDefaultConsoleLevel(level LogLevel) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.level = level
	for _, l := range lm.loggers {
		l.setConsoleLevel(level)
	}
}

// SetComponentLevel меняет уровни одного уже созданного компонента
func (lm *LoggerManager) SetComponentLevel(component string, console, file LogLevel) error {
	lm.mu.Lock()
	l, ok := lm.loggers[component]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("логгер компонента %s не найден", component)
	}
	l.mu.Lock()
	l.minConsoleLevel, l.minFileLevel = console, file
	l.mu.Unlock()
	return nil
}

// GetLogger возвращает логгер компонента, создавая его при первом обращении.
// При включённом файловом выводе ошибка открытия файла возвращается вызывающему.
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.loggers[component]; ok {
		return l, nil
	}

	l := &Logger{component: component, consoleLogger: defaultLogger.consoleLogger, minFileLevel: TRACE}
	if lm.fileOutput {
		fl, err := NewLogger(component)
		if err != nil {
			return nil, fmt.Errorf("логгер %s: %w", component, err)
		}
		l = fl
	}
	l.minConsoleLevel = lm.level
	lm.loggers[component] = l
	return l, nil
}

// MustGetLogger как GetLogger, но при ошибке отдаёт консольный логгер
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	l, err := lm.GetLogger(component)
	if err == nil {
		return l
	}
	defaultLogger.log(WARN, "%v, используется консоль", err)
	return &Logger{
		component:       component,
		consoleLogger:   defaultLogger.consoleLogger,
		minConsoleLevel: lm.level,
		minFileLevel:    ERROR + 1,
	}
}

// Components имена созданных логгеров по алфавиту
func (lm *LoggerManager) Components() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make([]string, 0, len(lm.loggers))
	for c := range lm.loggers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CloseAll закрывает файлы всех логгеров и забывает их
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var firstErr error
	for c, l := range lm.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("закрытие логгера %s: %w", c, err)
		}
	}
	lm.loggers = make(map[string]*Logger)
	return firstErr
}

func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().MustGetLogger(component)
}

func GetStreamingLogger() *Logger { return GetComponentLogger(ComponentStreaming) }
func GetNetworkLogger() *Logger   { return GetComponentLogger(ComponentNetwork) }
func GetPresenterLogger() *Logger { return GetComponentLogger(ComponentPresenter) }
func GetStorageLogger() *Logger   { return GetComponentLogger(ComponentStorage) }
func GetSyncLogger() *Logger      { return GetComponentLogger(ComponentSync) }
