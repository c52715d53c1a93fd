package router

import "context"

// AddressResolver is the default Resolver: each phone number is its own
// single-member household and a group thread id doubles as the
// household id. Deployments with real household directories supply
// their own Resolver.
type AddressResolver struct{}

var _ Resolver = AddressResolver{}

func (AddressResolver) ResolveMember(ctx context.Context, address string) (string, string, error) {
	return address, address, nil
}

func (AddressResolver) ResolveHousehold(ctx context.Context, groupID string) (string, error) {
	return groupID, nil
}
