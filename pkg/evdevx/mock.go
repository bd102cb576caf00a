package evdevx

import (
	"errors"
	"fmt"
	"sync"

	evdev "github.com/holoplot/go-evdev"
)

// MockOpener 是 Opener 的内存实现
// 用于测试，不需要真实的内核输入设备
type MockOpener struct {
	mu      sync.Mutex
	devices map[string]*MockDevice
	cloned  int
}

// NewMockOpener 创建空的 MockOpener
func NewMockOpener() *MockOpener {
	return &MockOpener{devices: make(map[string]*MockDevice)}
}

// AddDevice 注册一个路径为 path 的假字符设备
func (o *MockOpener) AddDevice(path string) *MockDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	dev := newMockDevice(path)
	o.devices[path] = dev
	return dev
}

// Device 返回注册在 path 上的假设备
func (o *MockOpener) Device(path string) *MockDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[path]
}

// CheckDevice 只有注册过的路径才算字符设备
func (o *MockOpener) CheckDevice(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.devices[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNotADevice, path)
	}
	return nil
}

// OpenDevice 返回注册的假设备
// 设备可能被 stop 后重新打开，这里会重置其事件流
func (o *MockOpener) OpenDevice(path string) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	dev, ok := o.devices[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotADevice, path)
	}
	dev.reopen()
	return dev, nil
}

// CloneDevice 创建记录写入事件的假 sink
func (o *MockOpener) CloneDevice(name string, from Device) (Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cloned++
	return &MockSink{
		name: name,
		path: fmt.Sprintf("/dev/input/event-mock-%d", o.cloned),
	}, nil
}

// MockDevice 是 Device 的内存实现，事件通过 PushEvent 注入
type MockDevice struct {
	mu      sync.Mutex
	path    string
	events  chan *evdev.InputEvent
	closed  bool
	grabbed bool

	GrabErr   error // 非 nil 时 Grab 返回该错误
	UngrabErr error
	GrabCalls int
}

func newMockDevice(path string) *MockDevice {
	return &MockDevice{
		path:   path,
		events: make(chan *evdev.InputEvent, 64),
	}
}

// reopen 重置关闭状态和事件流，模拟设备被重新打开
func (d *MockDevice) reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.events = make(chan *evdev.InputEvent, 64)
		d.closed = false
	}
}

// PushEvent 向设备注入一个待读取的事件
func (d *MockDevice) PushEvent(ev *evdev.InputEvent) {
	d.mu.Lock()
	ch := d.events
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	ch <- ev
}

// PushKey 注入一个按键事件，value 取 1 按下、0 抬起
func (d *MockDevice) PushKey(code evdev.EvCode, value int32) {
	d.PushEvent(&evdev.InputEvent{Type: evdev.EV_KEY, Code: code, Value: value})
}

func (d *MockDevice) Path() string { return d.path }

func (d *MockDevice) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GrabCalls++
	if d.GrabErr != nil {
		return d.GrabErr
	}
	d.grabbed = true
	return nil
}

func (d *MockDevice) Ungrab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.UngrabErr != nil {
		return d.UngrabErr
	}
	d.grabbed = false
	return nil
}

// Grabbed 报告设备当前是否处于独占抓取状态
func (d *MockDevice) Grabbed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabbed
}

// ReadOne 阻塞等待注入的事件，设备关闭后返回错误
func (d *MockDevice) ReadOne() (*evdev.InputEvent, error) {
	d.mu.Lock()
	ch := d.events
	d.mu.Unlock()
	ev, ok := <-ch
	if !ok {
		return nil, errors.New("device closed")
	}
	return ev, nil
}

func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	return nil
}

// Closed 报告设备是否已关闭
func (d *MockDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// MockSink 是 Sink 的内存实现，记录所有写入的事件
type MockSink struct {
	mu      sync.Mutex
	name    string
	path    string
	written []*evdev.InputEvent
	closed  bool
	GrabErr error // 非 nil 时 Grab 返回该错误，用于模拟 QEMU 已持有设备
}

func (s *MockSink) Path() string { return s.path }

// Name 返回创建 sink 时使用的名称
func (s *MockSink) Name() string { return s.name }

func (s *MockSink) Grab() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.GrabErr
}

func (s *MockSink) Ungrab() error { return nil }

func (s *MockSink) WriteOne(ev *evdev.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	clone := *ev
	s.written = append(s.written, &clone)
	return nil
}

func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Written 返回已写入事件的快照
func (s *MockSink) Written() []*evdev.InputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*evdev.InputEvent, len(s.written))
	copy(out, s.written)
	return out
}

// Closed 报告 sink 是否已销毁
func (s *MockSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
