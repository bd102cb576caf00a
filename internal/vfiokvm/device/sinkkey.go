package device

// SinkKey 标识一个 sink 的归属：宿主机或某个虚拟机
// 零值表示宿主机，可直接作为 map 的 key 使用
type SinkKey struct {
	vm string
}

// HostKey 返回宿主机 sink 的 key
func HostKey() SinkKey {
	return SinkKey{}
}

// VMKey 返回虚拟机 sink 的 key
func VMKey(name string) SinkKey {
	return SinkKey{vm: name}
}

// IsHost 报告 key 是否指向宿主机
func (k SinkKey) IsHost() bool {
	return k.vm == ""
}

// VM 返回虚拟机名称，宿主机返回空字符串
func (k SinkKey) VM() string {
	return k.vm
}

// String 返回符号链接使用的名称，宿主机为 "host"
func (k SinkKey) String() string {
	if k.vm == "" {
		return "host"
	}
	return k.vm
}

// Display 返回对外展示的名称，宿主机为 "host device"
func (k SinkKey) Display() string {
	if k.vm == "" {
		return "host device"
	}
	return k.vm
}
