package testutils

// ABIs of the contract shapes the reconciler interacts with.
var (
	OwnedABI = MustABI(`[
		{"type":"function","name":"owner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"nominatedOwner","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"nominateNewOwner","inputs":[{"name":"_owner","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
		{"type":"function","name":"acceptOwnership","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
	]`)

	SettableABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"function","name":"getX","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
		{"type":"function","name":"setX","inputs":[{"name":"x","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"}
	]`))

	AddressResolverABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"function","name":"getAddress","inputs":[{"name":"name","type":"bytes32"}],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"areAddressesImported","inputs":[{"name":"names","type":"bytes32[]"},{"name":"destinations","type":"address[]"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
		{"type":"function","name":"importAddresses","inputs":[{"name":"names","type":"bytes32[]"},{"name":"destinations","type":"address[]"}],"outputs":[],"stateMutability":"nonpayable"},
		{"type":"function","name":"rebuildCaches","inputs":[{"name":"destinations","type":"address[]"}],"outputs":[],"stateMutability":"nonpayable"}
	]`))

	MixinResolverABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"constructor","inputs":[{"name":"_owner","type":"address"},{"name":"_resolver","type":"address"}],"stateMutability":"nonpayable"},
		{"type":"function","name":"resolverAddressesRequired","inputs":[],"outputs":[{"name":"addresses","type":"bytes32[]"}],"stateMutability":"view"},
		{"type":"function","name":"isResolverCached","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"},
		{"type":"function","name":"rebuildCache","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
	]`))

	LegacyResolverABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"function","name":"resolver","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
		{"type":"function","name":"setResolverAndSyncCache","inputs":[{"name":"_resolver","type":"address"}],"outputs":[],"stateMutability":"nonpayable"}
	]`))

	SetResolverABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"function","name":"setResolver","inputs":[{"name":"_resolver","type":"address"}],"outputs":[],"stateMutability":"nonpayable"}
	]`))

	OwnerRelayABI = MergeABIs(OwnedABI, MustABI(`[
		{"type":"function","name":"initiateRelayBatch","inputs":[{"name":"targets","type":"address[]"},{"name":"payloads","type":"bytes[]"},{"name":"crossDomainGasLimit","type":"uint32"}],"outputs":[],"stateMutability":"nonpayable"}
	]`))
)
