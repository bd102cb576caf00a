// Package libvirt 封装与 libvirtd 的连接
// 服务启动时用它发现已经在运行的 domain，补齐停机期间错过的 hook 事件
package libvirt

import (
	"fmt"
	"net/url"

	"github.com/digitalocean/go-libvirt"
)

// Client 持有一条 libvirtd 连接
type Client struct {
	conn *libvirt.Libvirt
}

// New 连接 libvirtd
// uri 支持 qemu:///system、qemu+ssh://user@host/system 等格式
func New(uri string) (*Client, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt URI %q: %w", uri, err)
	}
	conn, err := libvirt.ConnectToURI(parsed)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt: %w", err)
	}
	return &Client{conn: conn}, nil
}

// ListRunningDomains 返回当前处于运行状态的 domain
func (c *Client) ListRunningDomains() ([]libvirt.Domain, error) {
	flags := libvirt.ConnectListDomainsActive | libvirt.ConnectListDomainsRunning
	domains, _, err := c.conn.ConnectListAllDomains(1000, flags)
	if err != nil {
		return nil, fmt.Errorf("list running domains: %w", err)
	}
	return domains, nil
}

// DomainXML 获取 domain 的 XML 定义
func (c *Client) DomainXML(domain libvirt.Domain) (string, error) {
	xmlDesc, err := c.conn.DomainGetXMLDesc(domain, 0)
	if err != nil {
		return "", fmt.Errorf("get domain XML for %s: %w", domain.Name, err)
	}
	return xmlDesc, nil
}

// Close 断开连接
func (c *Client) Close() error {
	return c.conn.Disconnect()
}
