// Package evdevx 封装 evdev 源设备和 uinput 虚拟设备的访问
// 用于抽象内核输入设备操作，便于测试和 mock
package evdevx

import (
	"errors"

	evdev "github.com/holoplot/go-evdev"
)

// ErrNotADevice 表示路径不存在或不是字符设备
var ErrNotADevice = errors.New("not a character device")

// Device 是被独占抓取和镜像的物理源设备
type Device interface {
	// Path 返回设备节点路径
	Path() string
	// Grab 独占抓取设备，抓取后其他读者收不到事件
	Grab() error
	// Ungrab 释放独占抓取
	Ungrab() error
	// ReadOne 阻塞读取一个输入事件
	ReadOne() (*evdev.InputEvent, error)
	// Close 关闭设备，会让阻塞中的 ReadOne 返回错误
	Close() error
}

// Sink 是复制出来的 uinput 虚拟设备，由宿主机或某个虚拟机消费
type Sink interface {
	// Path 返回内核为虚拟设备创建的节点路径
	Path() string
	// Grab 独占抓取虚拟设备，用于探测是否已被 QEMU 持有
	Grab() error
	// Ungrab 释放独占抓取
	Ungrab() error
	// WriteOne 写入一个输入事件
	WriteOne(ev *evdev.InputEvent) error
	// Close 销毁虚拟设备
	Close() error
}

// Opener 创建源设备和虚拟设备
type Opener interface {
	// CheckDevice 校验路径是一个存在的字符设备，否则返回 ErrNotADevice
	CheckDevice(path string) error
	// OpenDevice 打开源设备
	OpenDevice(path string) (Device, error)
	// CloneDevice 以源设备的能力集创建一个 uinput 虚拟设备
	CloneDevice(name string, from Device) (Sink, error)
}
