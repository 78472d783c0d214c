package ldap

import (
	"fmt"
	"strconv"
	"strings"

	"f0oster/idsync/connector"
)

// Settings are the connector properties understood by the LDAP adapter.
type Settings struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string

	UserBase           string
	GroupBase          string
	NameAttribute      string
	GroupNameAttribute string
	RDNAttribute       string
	UserObjectClasses  []string
	GroupObjectClasses []string

	PageSize uint32
	// SyncAttribute is a monotonically increasing attribute used as the sync
	// token, uSNChanged on Active Directory.
	SyncAttribute string
	// ActiveDirectory enables schema partition discovery and GUID/SID decoding.
	ActiveDirectory bool
}

func parseSettings(cfg connector.Config) (Settings, error) {
	s := Settings{
		URL:                cfg.Property("url", ""),
		BindDN:             cfg.Property("bindDN", ""),
		BindPassword:       cfg.Property("bindPassword", ""),
		BaseDN:             cfg.Property("baseDN", ""),
		NameAttribute:      cfg.Property("nameAttribute", "uid"),
		GroupNameAttribute: cfg.Property("groupNameAttribute", "cn"),
		RDNAttribute:       cfg.Property("rdnAttribute", "cn"),
		UserObjectClasses:  splitList(cfg.Property("userObjectClasses", "top,person,organizationalPerson,inetOrgPerson")),
		GroupObjectClasses: splitList(cfg.Property("groupObjectClasses", "top,groupOfNames")),
		SyncAttribute:      cfg.Property("syncAttribute", "uSNChanged"),
		PageSize:           500,
	}
	s.UserBase = cfg.Property("userBase", s.BaseDN)
	s.GroupBase = cfg.Property("groupBase", s.BaseDN)

	if raw := cfg.Property("pageSize", ""); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 {
			return s, fmt.Errorf("invalid pageSize %q", raw)
		}
		s.PageSize = uint32(n)
	}
	if raw := cfg.Property("activeDirectory", ""); raw != "" {
		ad, err := strconv.ParseBool(raw)
		if err != nil {
			return s, fmt.Errorf("invalid activeDirectory %q", raw)
		}
		s.ActiveDirectory = ad
	}

	if s.URL == "" {
		return s, fmt.Errorf("url is required")
	}
	if s.BaseDN == "" {
		return s, fmt.Errorf("baseDN is required")
	}
	return s, nil
}

func (s Settings) base(oc connector.ObjectClass) string {
	if oc == connector.Group {
		return s.GroupBase
	}
	return s.UserBase
}

func (s Settings) nameAttribute(oc connector.ObjectClass) string {
	if oc == connector.Group {
		return s.GroupNameAttribute
	}
	return s.NameAttribute
}

func (s Settings) objectClasses(oc connector.ObjectClass) []string {
	if oc == connector.Group {
		return s.GroupObjectClasses
	}
	return s.UserObjectClasses
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
