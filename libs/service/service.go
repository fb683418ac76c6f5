package service

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/232425wxy/addrman/libs/log"
)

var (
	// ErrAlreadyStarted 当尝试启动一个正在运行的服务时，会报告此错误
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped 当尝试启动或关闭一个已经关闭的服务时，会报告此错误
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted 当尝试关闭一个没有运行的服务时，会报告此错误
	ErrNotStarted = errors.New("not started")
)

// Service 只能启动一次、停止一次，AddrBook 和 Node 都实现了这个接口
type Service interface {
	// Start 如果 OnStart() 返回一个 error，那么该 error 由 Start() 返回，服务仍然可以再次启动
	Start() error
	OnStart() error

	// Stop 停止以后服务不能再次启动，OnStop() 必须保证不会出错
	Stop() error
	OnStop()

	IsRunning() bool

	// Quit 返回一个 channel，该 channel 在 OnStop 返回以后被关闭
	Quit() <-chan struct{}

	String() string
}

// 服务的状态只会按 idle -> running -> stopped 的顺序变化
const (
	stateIdle uint32 = iota
	stateStarting
	stateRunning
	stateStopped
)

// BaseService 负责状态转换和日志，真正的服务组件重写 OnStart / OnStop 方法，
// 这两个方法各自最多被成功调用一次
type BaseService struct {
	Logger log.CRLogger
	name   string
	state  uint32 // 原子操作
	quit   chan struct{}

	impl Service // 真正的服务组件
}

// NewBaseService 创建一个新的 BaseService，logger 为 nil 时不记录任何日志
func NewBaseService(logger log.CRLogger, name string, impl Service) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		Logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start 通过调用 OnStart 来实现 Service 接口
func (bs *BaseService) Start() error {
	if !atomic.CompareAndSwapUint32(&bs.state, stateIdle, stateStarting) {
		if atomic.LoadUint32(&bs.state) == stateStopped {
			bs.Logger.Errorw(fmt.Sprintf("Not starting %v service -- already stopped", bs.name))
			return ErrAlreadyStopped
		}
		bs.Logger.Debugw(fmt.Sprintf("Not starting %v service -- already started", bs.name))
		return ErrAlreadyStarted
	}

	bs.Logger.Infow(fmt.Sprintf("Starting %v service", bs.name), "impl", bs.impl.String())
	if err := bs.impl.OnStart(); err != nil {
		atomic.StoreUint32(&bs.state, stateIdle)
		return err
	}
	atomic.StoreUint32(&bs.state, stateRunning)
	return nil
}

// OnStart 什么也不做
func (bs *BaseService) OnStart() error { return nil }

// Stop 调用 OnStop 并关闭 quit channel
func (bs *BaseService) Stop() error {
	if !atomic.CompareAndSwapUint32(&bs.state, stateRunning, stateStopped) {
		if atomic.LoadUint32(&bs.state) == stateStopped {
			bs.Logger.Debugw(fmt.Sprintf("Stopping %v service (already stopped)", bs.name))
			return ErrAlreadyStopped
		}
		bs.Logger.Errorw(fmt.Sprintf("Not stopping %v service -- has not been started yet", bs.name))
		return ErrNotStarted
	}

	bs.Logger.Infow(fmt.Sprintf("Stopping %v service", bs.name), "impl", bs.impl.String())
	bs.impl.OnStop()
	close(bs.quit)
	return nil
}

// OnStop 什么也不做
func (bs *BaseService) OnStop() {}

// IsRunning 判断服务是否正在运行
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.state) == stateRunning
}

// String 返回服务的名字
func (bs *BaseService) String() string {
	return bs.name
}

// Quit 返回服务的 quit channel
func (bs *BaseService) Quit() <-chan struct{} {
	return bs.quit
}
