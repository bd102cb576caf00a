package libvirt

import (
	"github.com/digitalocean/go-libvirt"
)

// LibvirtClient 定义 libvirt 客户端接口
// 用于抽象 libvirt 操作，便于测试和 mock
type LibvirtClient interface {
	ListRunningDomains() ([]libvirt.Domain, error)
	DomainXML(domain libvirt.Domain) (string, error)
	Close() error
}

var _ LibvirtClient = (*Client)(nil)
