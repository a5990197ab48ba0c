package directory

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known Factory+ service class UUIDs.
var (
	ServiceDirectory         = uuid.MustParse("af4a1d66-e6f7-43c4-8a67-0fa3be2b1cf9")
	ServiceConfigDB          = uuid.MustParse("af15f175-78a0-4e05-97c0-2a0bb82b9f3b")
	ServiceAuthentication    = uuid.MustParse("cab2642a-f7d9-42e5-8845-8f35affe1fd4")
	ServiceCommandEscalation = uuid.MustParse("78ea7071-24ac-4916-8351-aa3e549d8ccd")
	ServiceMQTT              = uuid.MustParse("feb27ba3-bd2c-4916-9269-79a61ebc4a47")
	ServiceGit               = uuid.MustParse("7adf4db0-2e7b-4a68-ab9d-376f4c5ce14b")
	ServiceClusters          = uuid.MustParse("2706aa43-a826-441e-9cec-cd3d4ce623c2")
)

var wellKnown = map[string]uuid.UUID{
	"directory": ServiceDirectory,
	"configdb":  ServiceConfigDB,
	"auth":      ServiceAuthentication,
	"cmdesc":    ServiceCommandEscalation,
	"mqtt":      ServiceMQTT,
	"git":       ServiceGit,
	"clusters":  ServiceClusters,
}

// ServiceUUID maps a well-known service name or a UUID string to the
// service class UUID.
func ServiceUUID(name string) (uuid.UUID, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if id, ok := wellKnown[n]; ok {
		return id, true
	}
	id, err := uuid.Parse(n)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
