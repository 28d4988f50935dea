// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package discovery finds the address of a receiving access point at send
time through eDelivery dynamic discovery.

A party identifier is hashed (SHA-256, unpadded base32) and looked up as a
U-NAPTR record under the configured BDXL domain. The record points at a
Service Metadata Publisher, which is asked for the service metadata of the
party and document type. The ebMS action of the outbound message is used as
the document type identifier and the ebMS service as the process identifier.

	locator := discovery.NewLocator(discovery.LocatorConfig{Domain: "edelivery.tech.ec.europa.eu"})
	resolver, err := discovery.NewResolver(discovery.ResolverConfig{Locator: locator})
	addr, err := resolver.ResolveEndpoint(ctx, partyID, service, action)

Resolver implements msh.EndpointResolver and caches answers for a
configurable time.

# References

  - eDelivery BDXL 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/843612547/eDelivery+BDXL+-+2.0
  - OASIS SMP 1.0: http://docs.oasis-open.org/bdxr/bdx-smp/v1.0/
  - RFC 4848: https://www.rfc-editor.org/rfc/rfc4848.html
*/
package discovery
