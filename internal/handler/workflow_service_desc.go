package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// WorkflowServiceName is the fully qualified gRPC service name.
const WorkflowServiceName = "pesio.platform.workflows.v1.WorkflowService"

// WorkflowServiceServer is the gRPC surface of the workflow engine. Requests
// and responses are google.protobuf.Struct documents.
type WorkflowServiceServer interface {
	CreateWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUserWorkflows(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DelegateApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListNotifications(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterWorkflowServiceServer registers srv on s.
func RegisterWorkflowServiceServer(s grpc.ServiceRegistrar, srv WorkflowServiceServer) {
	s.RegisterService(&workflowServiceDesc, srv)
}

// FullMethod returns the full gRPC method name of a WorkflowService method.
func FullMethod(method string) string {
	return "/" + WorkflowServiceName + "/" + method
}

type structMethod func(WorkflowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(WorkflowServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var workflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("CreateWorkflow", WorkflowServiceServer.CreateWorkflow),
		unaryHandler("ProcessApproval", WorkflowServiceServer.ProcessApproval),
		unaryHandler("GetUserWorkflows", WorkflowServiceServer.GetUserWorkflows),
		unaryHandler("CancelWorkflow", WorkflowServiceServer.CancelWorkflow),
		unaryHandler("DelegateApproval", WorkflowServiceServer.DelegateApproval),
		unaryHandler("GetWorkflow", WorkflowServiceServer.GetWorkflow),
		unaryHandler("ListNotifications", WorkflowServiceServer.ListNotifications),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pesio/platform/workflows/v1/workflows.proto",
}
