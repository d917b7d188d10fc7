// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command verify-log-chain offline-verifies a gateway audit log's hash
// chain, independent of the running gateway process.
package main

import (
	"fmt"
	"os"

	"wafgate/internal/waf/audit"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: verify-log-chain <path>")
		os.Exit(1)
	}

	result, err := audit.VerifyFile(os.Args[1])
	if err != nil {
		fmt.Printf("error reading %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	if !result.OK {
		if result.Reason == "file not found" {
			fmt.Printf("file not found: %s\n", os.Args[1])
		} else {
			fmt.Printf("line %d: %s\n", result.FailedLine, result.Reason)
		}
		os.Exit(1)
	}

	if result.Entries == 0 {
		fmt.Println("empty file")
	} else {
		fmt.Printf("chain ok (%d entries)\n", result.Entries)
	}
}
