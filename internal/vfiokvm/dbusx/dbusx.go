// Package dbusx 在系统总线上导出服务的控制接口
// libvirt hook 和外部 UI 通过 Prepare、Release、Toggle 方法
// 以及可写的 Target 属性驱动输入复制
package dbusx

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/config"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/service"
)

// requestNameTimeout 限定总线名申请的等待时间
// 对没有权限的总线名，总线不会应答，必须有超时兜底
const requestNameTimeout = 30 * time.Second

const (
	propsInterface     = "org.freedesktop.DBus.Properties"
	introspectableName = "org.freedesktop.DBus.Introspectable"
)

// Server 持有总线连接并导出控制对象
type Server struct {
	svc        *service.Service
	busName    string
	objectPath dbus.ObjectPath

	conn    *dbus.Conn
	connect func() (*dbus.Conn, error)
}

// New 创建 D-Bus 服务
// 接口名与总线名一致，对象路径来自配置
func New(cfg *config.Config, svc *service.Service) *Server {
	return &Server{
		svc:        svc,
		busName:    cfg.DbusBusName,
		objectPath: dbus.ObjectPath(cfg.DbusObjectPath),
		connect:    func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
	}
}

// Run 实现 grace.Grace 接口
// 连接系统总线、导出对象并申请总线名，之后等待停机
// 总线名在 30 秒内拿不到按致命错误处理，进程退出交给 systemd 重启
func (s *Server) Run(ctx context.Context) error {
	conn, err := s.connect()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	s.conn = conn
	s.svc.OnTargetChanged(s.emitTargetChanged)

	if err := s.export(conn); err != nil {
		return err
	}
	if err := s.requestName(ctx, conn); err != nil {
		return err
	}
	log.Info().Str("bus_name", s.busName).Msg("Listening for libvirtd events")

	<-ctx.Done()
	return nil
}

// Shutdown 实现 grace.Grace 接口
func (s *Server) Shutdown(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.ReleaseName(s.busName)
	return s.conn.Close()
}

// Name 实现 grace.Grace 接口
func (s *Server) Name() string {
	return "D-Bus Service"
}

// export 在对象路径上导出方法、属性和自省信息
func (s *Server) export(conn *dbus.Conn) error {
	if err := conn.Export(&handler{svc: s.svc}, s.objectPath, s.busName); err != nil {
		return fmt.Errorf("export methods: %w", err)
	}
	if err := conn.Export(&properties{srv: s}, s.objectPath, propsInterface); err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	node := &introspect.Node{
		Name: string(s.objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: s.busName,
				Methods: []introspect.Method{
					{Name: "Prepare", Args: []introspect.Arg{
						{Name: "vm_name", Type: "s", Direction: "in"},
						{Name: "sub_op", Type: "s", Direction: "in"},
						{Name: "extra_op", Type: "s", Direction: "in"},
						{Name: "xml_config", Type: "s", Direction: "in"},
						{Name: "success", Type: "b", Direction: "out"},
					}},
					{Name: "Release", Args: []introspect.Arg{
						{Name: "vm_name", Type: "s", Direction: "in"},
						{Name: "sub_op", Type: "s", Direction: "in"},
						{Name: "extra_op", Type: "s", Direction: "in"},
						{Name: "xml_config", Type: "s", Direction: "in"},
						{Name: "success", Type: "b", Direction: "out"},
					}},
					{Name: "Toggle", Args: []introspect.Arg{
						{Name: "target", Type: "s", Direction: "out"},
					}},
				},
				Properties: []introspect.Property{
					{Name: "Target", Type: "s", Access: "readwrite"},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.objectPath, introspectableName); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	return nil
}

// requestName 申请总线名，超时按失败处理
func (s *Server) requestName(ctx context.Context, conn *dbus.Conn) error {
	log.Debug().Str("bus_name", s.busName).Msg("Requesting bus name")
	type result struct {
		reply dbus.RequestNameReply
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := conn.RequestName(s.busName, dbus.NameFlagDoNotQueue)
		ch <- result{reply: reply, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("request bus name %s: %w", s.busName, r.err)
		}
		if r.reply != dbus.RequestNameReplyPrimaryOwner {
			return fmt.Errorf("bus name %s denied", s.busName)
		}
	case <-time.After(requestNameTimeout):
		return fmt.Errorf("timed out requesting bus name %s", s.busName)
	case <-ctx.Done():
		return nil
	}
	log.Debug().Str("bus_name", s.busName).Msg("Bus name granted")
	return nil
}

// emitTargetChanged 发出 Target 属性的 PropertiesChanged 信号
// 属性值使用展示名，宿主机为 "host device"
func (s *Server) emitTargetChanged(display string) {
	if s.conn == nil {
		return
	}
	err := s.conn.Emit(
		s.objectPath,
		propsInterface+".PropertiesChanged",
		s.busName,
		map[string]dbus.Variant{"Target": dbus.MakeVariant(display)},
		[]string{},
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to emit PropertiesChanged")
	}
}

// handler 把 D-Bus 方法调用转给服务
// 方法内不抛错：失败通过布尔返回值表达，libvirt 据此阻止虚拟机启动
type handler struct {
	svc *service.Service
}

func (h *handler) Prepare(vmName, subOp, extraOp, xmlConfig string) (bool, *dbus.Error) {
	return h.svc.Prepare(vmName, subOp, extraOp, xmlConfig), nil
}

func (h *handler) Release(vmName, subOp, extraOp, xmlConfig string) (bool, *dbus.Error) {
	return h.svc.Release(vmName, subOp, extraOp, xmlConfig), nil
}

func (h *handler) Toggle() (string, *dbus.Error) {
	return h.svc.Toggle().VM(), nil
}

// properties 实现 org.freedesktop.DBus.Properties
// Target 在线上的取值是虚拟机名，宿主机为空字符串；
// released 状态下读取结果是宿主机
type properties struct {
	srv *Server
}

func (p *properties) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	if iface != p.srv.busName || prop != "Target" {
		return dbus.Variant{}, unknownProperty(iface, prop)
	}
	return dbus.MakeVariant(p.srv.svc.TargetWire()), nil
}

func (p *properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != p.srv.busName {
		return map[string]dbus.Variant{}, nil
	}
	return map[string]dbus.Variant{
		"Target": dbus.MakeVariant(p.srv.svc.TargetWire()),
	}, nil
}

func (p *properties) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != p.srv.busName || prop != "Target" {
		return unknownProperty(iface, prop)
	}
	target, ok := value.Value().(string)
	if !ok {
		return dbus.MakeFailedError(fmt.Errorf("Target must be a string"))
	}
	if err := p.srv.svc.SetTargetWire(target); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func unknownProperty(iface, prop string) *dbus.Error {
	return dbus.NewError(
		"org.freedesktop.DBus.Error.UnknownProperty",
		[]interface{}{fmt.Sprintf("unknown property %s.%s", iface, prop)},
	)
}
