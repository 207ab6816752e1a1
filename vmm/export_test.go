package vmm

var WatchInput = watchInput
