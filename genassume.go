/*
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package genassume adds __builtin_assume(__builtin_has_cpu_feature(...))
// calls to the bodies of the x86 intrinsic headers, based on the feature
// associations in the Intel intrinsics description XML.
package genassume

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strings"
)

// headerFiles is the fixed set of intrinsic headers the tool rewrites. Files
// outside this list are never touched.
var headerFiles = []string{
	"adxintrin.h", "avx2intrin.h", "avxintrin.h", "bmi2intrin.h", "bmiintrin.h",
	"emmintrin.h", "f16cintrin.h", "fmaintrin.h", "ia32intrin.h", "immintrin.h",
	"lzcntintrin.h", "mmintrin.h", "mm_malloc.h", "nmmintrin.h", "pmmintrin.h",
	"popcntintrin.h", "prfchwintrin.h", "rdseedintrin.h", "rtmintrin.h",
	"shaintrin.h", "smmintrin.h", "tmmintrin.h", "wmmintrin.h", "x86intrin.h",
	"xmmintrin.h", "__wmmintrin_aes.h", "__wmmintrin_pclmul.h",
}

// Headers returns the configured header file names, in processing order.
func Headers() []string {
	return append([]string(nil), headerFiles...)
}

// xmlToFeature remaps CPUID ids from the intrinsics description onto the
// feature identifiers understood by __builtin_has_cpu_feature. Ids without an
// entry are used verbatim.
var xmlToFeature = map[string]string{
	"BMI1":        "BMI",
	"BMI2":        "BMI",
	"FP16C":       "F16C",
	"RDRAND":      "RDRND",
	"SSE4.1":      "SSE4_1",
	"SSE4.2":      "SSE4_2",
	"PREFETCHWT1": "GENERIC_IA32",
	"TSC":         "GENERIC_IA32",
	"FSGSBASE":    "GENERIC_IA32",
	"MONITOR":     "GENERIC_IA32",
	"RDTSCP":      "GENERIC_IA32",
}

// excludedIDs are CPUID values with no feature identifier counterpart.
var excludedIDs = map[string]bool{
	"MPX":   true,
	"XSAVE": true,
	"FXSR":  true,
}

// excludedTech are technology codes whose intrinsics are skipped entirely.
var excludedTech = []string{"512", "KNC", "SVML"}

// FeatureMap associates intrinsic names with the CPU feature gating them.
type FeatureMap map[string]string

// Features returns the distinct feature identifiers in the map, sorted.
func (fm FeatureMap) Features() []string {
	seen := make(map[string]bool)
	for _, feat := range fm {
		seen[feat] = true
	}
	feats := make([]string, 0, len(seen))
	for feat := range seen {
		feats = append(feats, feat)
	}
	sort.Strings(feats)
	return feats
}

type intrinsicElem struct {
	Name  string   `xml:"name,attr"`
	Tech  string   `xml:"tech,attr"`
	CPUID []string `xml:"CPUID"`
}

type intrinsicsDoc struct {
	Intrinsics []intrinsicElem `xml:"intrinsic"`
}

// LoadFeatureMap reads the intrinsics description XML and builds the
// name-to-feature mapping for every intrinsic that passes the technology and
// CPUID filters. An intrinsic listing several CPUID features keeps the first.
func LoadFeatureMap(path string) (FeatureMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open intrinsics description: %w", err)
	}
	defer f.Close()

	var doc intrinsicsDoc
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	fm := make(FeatureMap)
	for _, in := range doc.Intrinsics {
		if len(in.CPUID) == 0 || skipTech(in.Tech) {
			continue
		}
		id := in.CPUID[0]
		if excludedIDs[id] {
			continue
		}
		if feat, ok := xmlToFeature[id]; ok {
			fm[in.Name] = feat
		} else {
			fm[in.Name] = id
		}
	}
	return fm, nil
}

func skipTech(tech string) bool {
	for _, t := range excludedTech {
		if strings.Contains(tech, t) {
			return true
		}
	}
	return false
}
