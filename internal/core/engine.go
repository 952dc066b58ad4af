package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/internal/monitor"
	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// Registry 接收设备接入/移除
type Registry interface {
	Register(udi string)
	Unregister(udi string)
}

// Dispatcher 把设备范围内的生命周期事件转发给订阅者
type Dispatcher interface {
	Dispatch(ev event.DeviceEvent) bool
}

// Engine 汇聚所有监控器的事件，在唯一的分发协程中驱动 Tracker
type Engine struct {
	monitors   []monitor.MonitorInterface
	registry   Registry
	dispatcher Dispatcher
	log        *zap.Logger

	// OnEvent 在每个事件分发之后调用，可为空
	OnEvent func(ev event.DeviceEvent)
}

func NewEngine(registry Registry, dispatcher Dispatcher) *Engine {
	return &Engine{
		monitors:   []monitor.MonitorInterface{},
		registry:   registry,
		dispatcher: dispatcher,
		log:        logging.Named("core"),
	}
}

func (e *Engine) AddMonitor(m monitor.MonitorInterface) {
	e.monitors = append(e.monitors, m)
}

// Run 启动全部监控器并分发事件，直到 ctx 取消或所有监控器关闭
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("starting device engine", zap.Int("monitors", len(e.monitors)))

	// 统一的事件汇聚通道
	aggregator := make(chan event.DeviceEvent)
	var wg sync.WaitGroup
	var started []monitor.MonitorInterface

	// 启动所有添加的监控器
	for _, m := range e.monitors {
		ch, err := m.Start()
		if err != nil {
			e.log.Warn("failed to start monitor", zap.Error(err))
			continue
		}
		started = append(started, m)

		wg.Add(1)
		// 启动协程将各个监控器的事件转发到总通道
		go func(c <-chan event.DeviceEvent) {
			defer wg.Done()
			for evt := range c {
				select {
				case aggregator <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	if len(started) == 0 {
		return fmt.Errorf("no monitor could be started")
	}

	go func() {
		wg.Wait()
		close(aggregator)
	}()

	defer func() {
		for _, m := range started {
			m.Stop()
		}
		// 等待转发协程退出，并排空剩余事件
		for range aggregator {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("device engine stopped")
			return nil
		case evt, ok := <-aggregator:
			if !ok {
				e.log.Info("all monitors closed")
				return nil
			}
			e.dispatch(evt)
		}
	}
}

func (e *Engine) dispatch(evt event.DeviceEvent) {
	e.log.Debug("event",
		zap.Stringer("kind", evt.Kind),
		zap.String("source", evt.Source),
		zap.String("udi", evt.UDI),
		zap.String("message", evt.Message))

	switch evt.Kind {
	case event.DeviceAdded:
		e.registry.Register(evt.UDI)
	case event.DeviceRemoved:
		e.registry.Unregister(evt.UDI)
	default:
		if !e.dispatcher.Dispatch(evt) {
			e.log.Debug("event has no subscriber", zap.String("udi", evt.UDI), zap.Stringer("kind", evt.Kind))
		}
	}

	if e.OnEvent != nil {
		e.OnEvent(evt)
	}
}
