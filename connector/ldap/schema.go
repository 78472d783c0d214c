package ldap

import (
	"fmt"
	"strings"

	"f0oster/idsync/connector"

	ldapv3 "github.com/go-ldap/ldap/v3"
)

// AttributeSchema is an attributeSchema entry read from the schema partition.
type AttributeSchema struct {
	Name         string
	LDAPName     string
	ID           string
	Syntax       string
	OMSyntax     string
	SingleValued bool
}

var syntaxTypes = map[string]string{
	"2.5.5.8":  "boolean",
	"2.5.5.9":  "integer",
	"2.5.5.16": "long",
	"2.5.5.10": "binary",
	"2.5.5.15": "binary",
	"2.5.5.17": "sid",
	"2.5.5.11": "time",
}

func (s AttributeSchema) descriptor() connector.AttributeDescriptor {
	t, ok := syntaxTypes[s.Syntax]
	if !ok {
		t = "string"
	}
	return connector.AttributeDescriptor{Name: s.LDAPName, Type: t, MultiValued: !s.SingleValued}
}

// loadSchema reads attributeSchema objects from the Active Directory schema
// partition, keyed by lower-cased lDAPDisplayName.
func (a *Adapter) loadSchema() (map[string]AttributeSchema, error) {
	schemaDN := "CN=Schema,CN=Configuration," + a.settings.BaseDN
	out := make(map[string]AttributeSchema)
	err := a.pagedSearch(schemaDN, "(objectClass=attributeSchema)",
		[]string{"cn", "lDAPDisplayName", "attributeID", "attributeSyntax", "oMSyntax", "isSingleValued"},
		func(entries []*ldapv3.Entry) (bool, error) {
			for _, e := range entries {
				s := AttributeSchema{
					Name:         e.GetAttributeValue("cn"),
					LDAPName:     e.GetAttributeValue("lDAPDisplayName"),
					ID:           e.GetAttributeValue("attributeID"),
					Syntax:       e.GetAttributeValue("attributeSyntax"),
					OMSyntax:     e.GetAttributeValue("oMSyntax"),
					SingleValued: strings.EqualFold(e.GetAttributeValue("isSingleValued"), "TRUE"),
				}
				if s.LDAPName != "" {
					out[strings.ToLower(s.LDAPName)] = s
				}
			}
			return true, nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to search for attributes: %w", err)
	}
	return out, nil
}
