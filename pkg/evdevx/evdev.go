package evdevx

import (
	"fmt"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// KernelOpener 基于 /dev/input 和 uinput 的 Opener 实现
type KernelOpener struct{}

// NewKernelOpener 创建访问真实内核设备的 Opener
func NewKernelOpener() *KernelOpener {
	return &KernelOpener{}
}

// CheckDevice 校验路径存在且是字符设备
func (o *KernelOpener) CheckDevice(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("%w: %s", ErrNotADevice, path)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return fmt.Errorf("%w: %s", ErrNotADevice, path)
	}
	return nil
}

// OpenDevice 打开源设备
func (o *KernelOpener) OpenDevice(path string) (Device, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input device %s: %w", path, err)
	}
	return &kernelDevice{dev: dev, path: path}, nil
}

// CloneDevice 通过 uinput 克隆源设备的能力集
func (o *KernelOpener) CloneDevice(name string, from Device) (Sink, error) {
	source, ok := from.(*kernelDevice)
	if !ok {
		return nil, fmt.Errorf("clone device %s: source is not a kernel device", name)
	}
	clone, err := evdev.CloneDevice(name, source.dev)
	if err != nil {
		return nil, fmt.Errorf("clone device %s: %w", name, err)
	}
	return &kernelSink{dev: clone}, nil
}

// kernelDevice 包装 go-evdev 的 InputDevice 作为源设备
type kernelDevice struct {
	dev  *evdev.InputDevice
	path string
}

func (d *kernelDevice) Path() string { return d.path }

func (d *kernelDevice) Grab() error { return d.dev.Grab() }

func (d *kernelDevice) Ungrab() error { return d.dev.Ungrab() }

func (d *kernelDevice) ReadOne() (*evdev.InputEvent, error) { return d.dev.ReadOne() }

func (d *kernelDevice) Close() error { return d.dev.Close() }

// kernelSink 包装 uinput 克隆设备作为 sink
type kernelSink struct {
	dev *evdev.InputDevice
}

func (s *kernelSink) Path() string {
	return s.dev.Path()
}

func (s *kernelSink) Grab() error   { return s.dev.Grab() }
func (s *kernelSink) Ungrab() error { return s.dev.Ungrab() }

func (s *kernelSink) WriteOne(ev *evdev.InputEvent) error {
	return s.dev.WriteOne(ev)
}

func (s *kernelSink) Close() error {
	return s.dev.Close()
}
