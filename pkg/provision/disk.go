package provision

import "strings"

// DiskSize maps an instance-type pattern to a root disk size. The first
// matching rule wins; rules are checked in order.
type DiskSize struct {
	Match  string `json:"match"`
	SizeGB int    `json:"size_gb"`
}

// DefaultDiskTable sizes disks by workload class: GPU boxes and the largest
// CPU instances get room for model and build caches, small instances stay
// cheap.
var DefaultDiskTable = []DiskSize{
	{Match: "g", SizeGB: 200},
	{Match: "p", SizeGB: 200},
	{Match: "24xlarge", SizeGB: 500},
	{Match: "12xlarge", SizeGB: 200},
	{Match: "4xlarge", SizeGB: 100},
}

// DefaultDiskGB is the fallback when no rule matches.
const DefaultDiskGB = 50

// DiskGB picks the disk size for an instance type from the table. A single
// letter rule matches the family prefix; longer rules match the size suffix.
func DiskGB(instanceType string, table []DiskSize) int {
	if table == nil {
		table = DefaultDiskTable
	}
	for _, rule := range table {
		if len(rule.Match) == 1 {
			if strings.HasPrefix(instanceType, rule.Match) {
				return rule.SizeGB
			}
			continue
		}
		if strings.HasSuffix(instanceType, rule.Match) {
			return rule.SizeGB
		}
	}
	return DefaultDiskGB
}
