package core

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/snarelabs/snare/log"
)

type BlockIP struct {
	ipv4 net.IP
	mask *net.IPNet
}

// Blacklist is a file-backed IP blocklist. Blocked addresses are appended
// to the backing file so they survive restarts.
type Blacklist struct {
	ips        map[string]*BlockIP
	masks      []*BlockIP
	configPath string
	mtx        sync.Mutex
}

func NewBlacklist(path string) (*Blacklist, error) {
	bl := &Blacklist{
		ips:        make(map[string]*BlockIP),
		configPath: path,
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		if strings.Contains(l, "/") {
			ipv4, mask, err := net.ParseCIDR(l)
			if err != nil {
				log.Error("blacklist: invalid cidr: %s", l)
				continue
			}
			bl.masks = append(bl.masks, &BlockIP{ipv4: ipv4, mask: mask})
		} else {
			ipv4 := net.ParseIP(l)
			if ipv4 == nil {
				log.Error("blacklist: invalid ip address: %s", l)
				continue
			}
			bl.ips[l] = &BlockIP{ipv4: ipv4, mask: nil}
		}
	}
	log.Info("blacklist: loaded %d ip addresses and %d ip masks", len(bl.ips), len(bl.masks))
	return bl, nil
}

func (bl *Blacklist) IsBlacklisted(ip string) bool {
	ipv4 := net.ParseIP(ip)
	if ipv4 == nil {
		return false
	}
	bl.mtx.Lock()
	defer bl.mtx.Unlock()

	if _, ok := bl.ips[ip]; ok {
		return true
	}
	for _, m := range bl.masks {
		if m.mask != nil && m.mask.Contains(ipv4) {
			return true
		}
	}
	return false
}

func (bl *Blacklist) AddIP(ip string) error {
	if bl.IsBlacklisted(ip) {
		return nil
	}
	ipv4 := net.ParseIP(ip)
	if ipv4 == nil {
		return fmt.Errorf("blacklist: invalid ip address: %s", ip)
	}
	bl.mtx.Lock()
	defer bl.mtx.Unlock()
	bl.ips[ip] = &BlockIP{ipv4: ipv4, mask: nil}

	f, err := os.OpenFile(bl.configPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(ip + "\n"); err != nil {
		return err
	}
	return nil
}
