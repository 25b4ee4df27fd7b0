/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package device

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Vendor string

const (
	VendorNVIDIA  Vendor = "NVIDIA"
	VendorAMD     Vendor = "AMD"
	VendorIntel   Vendor = "INTEL"
	VendorUnknown Vendor = "unknown"
)

const DefaultDRMRoot = "/sys/class/drm"

var pciVendors = map[string]Vendor{
	"0x10de": VendorNVIDIA,
	"0x1002": VendorAMD,
	"0x8086": VendorIntel,
}

// DetectVendors lists the vendors of every display adapter registered under
// the DRM class directory, one entry per card, sorted by card name.
func DetectVendors(drmRoot string) []Vendor {
	matches, err := filepath.Glob(filepath.Join(drmRoot, "card*", "device", "vendor"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)

	var vendors []Vendor
	for _, path := range matches {
		card := filepath.Base(filepath.Dir(filepath.Dir(path)))
		// connectors like card0-DP-1 point at the same device
		if strings.Contains(card, "-") {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		v, ok := pciVendors[strings.TrimSpace(string(b))]
		if !ok {
			v = VendorUnknown
		}
		vendors = append(vendors, v)
	}
	return vendors
}

// CheckVendor fails with ErrorUnsupported when adapters are visible but none
// of them is an NVIDIA card. An unreadable or empty DRM tree is not an
// error; device listing decides in that case.
func CheckVendor(drmRoot string) error {
	vendors := DetectVendors(drmRoot)
	if len(vendors) == 0 {
		log.Debugf("no adapters found under %s, skipping vendor check", drmRoot)
		return nil
	}
	for _, v := range vendors {
		if v == VendorNVIDIA {
			return nil
		}
	}
	names := make([]string, 0, len(vendors))
	for _, v := range vendors {
		names = append(names, string(v))
	}
	return &DeviceError{
		Code:    ErrorUnsupported,
		Message: "unsupported graphics card vendor: " + strings.Join(names, ", "),
	}
}
