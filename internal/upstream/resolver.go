package upstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Resolver 缓存主机名解析结果，HTTP 与 FTP 拨号共用。TTL 为 0 时不缓存。
type Resolver struct {
	cache  *ttlcache.Cache[string, []string]
	dialer *net.Dialer
	lookup func(ctx context.Context, host string) ([]string, error)
	once   sync.Once
}

// NewResolver 创建解析缓存；dialTimeout 同时作为 TCP 建连超时。
func NewResolver(ttl, dialTimeout time.Duration) *Resolver {
	r := &Resolver{
		dialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		lookup: net.DefaultResolver.LookupHost,
	}
	if ttl > 0 {
		r.cache = ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](ttl),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		)
		go r.cache.Start()
	}
	return r
}

// Lookup 返回 host 的地址列表，命中缓存时不发起 DNS 查询。
func (r *Resolver) Lookup(ctx context.Context, host string) ([]string, error) {
	if r.cache != nil {
		if item := r.cache.Get(host); item != nil {
			return item.Value(), nil
		}
	}
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	if r.cache != nil {
		r.cache.Set(host, addrs, ttlcache.DefaultTTL)
	}
	return addrs, nil
}

// DialContext 解析 addr 中的主机名并依次尝试各地址，签名与 net.Dialer 一致。
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}
	addrs, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range addrs {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// Len 返回当前缓存的主机数。
func (r *Resolver) Len() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Len()
}

// Close 停止过期清理协程。
func (r *Resolver) Close() {
	if r.cache != nil {
		r.once.Do(r.cache.Stop)
	}
}
