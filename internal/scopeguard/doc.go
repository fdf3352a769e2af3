// Package scopeguard enforces the engagement scope: every task target is
// checked against allow/deny rules before its tool is invoked.
//
//   - Rules are IPs, CIDRs, hostnames (suffix-matched), or aliases such as
//     "private" that expand to the RFC 1918 ranges.
//   - Deny rules win. With allow rules present, anything unmatched is out of
//     scope; with none, only denied targets are rejected.
//   - The package stays dependency-light so the tool runner can use it
//     without cycles.
package scopeguard
