// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Pandorad is the Pandora runtime daemon: the HTTP gateway, the turn
// orchestrator, and the background reflector in one process.
package main

func main() {
	Execute()
}
