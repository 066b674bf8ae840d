// Package offsite stores backup artifacts outside the fleet. OSSStore uses
// Alibaba Cloud OSS through the v2 SDK; MemoryStore keeps objects in memory.
// Both satisfy Store, which is all backup rotation and archive cleanup use.
package offsite
