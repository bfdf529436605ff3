package api

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "livequiz.v1.SessionService"

// SessionServiceServer is the gRPC surface of live sessions. Messages travel as JSON, see CodecName.
type SessionServiceServer interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error)
	JoinSession(ctx context.Context, req *JoinSessionRequest) (*JoinSessionResponse, error)
	StartQuestion(ctx context.Context, req *StartQuestionRequest) (*StartQuestionResponse, error)
	EndQuestion(ctx context.Context, req *SessionRequest) (*StateResponse, error)
	SubmitAnswer(ctx context.Context, req *SubmitAnswerRequest) (*SubmitAnswerResponse, error)
	EndSession(ctx context.Context, req *SessionRequest) (*StateResponse, error)
	GetState(ctx context.Context, req *SessionRequest) (*StateResponse, error)
	GetLeaderboard(ctx context.Context, req *SessionRequest) (*GetLeaderboardResponse, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", SessionServiceServer.CreateSession),
		unary("JoinSession", SessionServiceServer.JoinSession),
		unary("StartQuestion", SessionServiceServer.StartQuestion),
		unary("EndQuestion", SessionServiceServer.EndQuestion),
		unary("SubmitAnswer", SessionServiceServer.SubmitAnswer),
		unary("EndSession", SessionServiceServer.EndSession),
		unary("GetState", SessionServiceServer.GetState),
		unary("GetLeaderboard", SessionServiceServer.GetLeaderboard),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "livequiz/v1/session",
}

func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(SessionServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SessionServiceServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Client calls SessionService over a gRPC connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error) {
	return invoke[CreateSessionRequest, CreateSessionResponse](ctx, c.cc, "CreateSession", in, opts)
}

func (c *Client) JoinSession(ctx context.Context, in *JoinSessionRequest, opts ...grpc.CallOption) (*JoinSessionResponse, error) {
	return invoke[JoinSessionRequest, JoinSessionResponse](ctx, c.cc, "JoinSession", in, opts)
}

func (c *Client) StartQuestion(ctx context.Context, in *StartQuestionRequest, opts ...grpc.CallOption) (*StartQuestionResponse, error) {
	return invoke[StartQuestionRequest, StartQuestionResponse](ctx, c.cc, "StartQuestion", in, opts)
}

func (c *Client) EndQuestion(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[SessionRequest, StateResponse](ctx, c.cc, "EndQuestion", in, opts)
}

func (c *Client) SubmitAnswer(ctx context.Context, in *SubmitAnswerRequest, opts ...grpc.CallOption) (*SubmitAnswerResponse, error) {
	return invoke[SubmitAnswerRequest, SubmitAnswerResponse](ctx, c.cc, "SubmitAnswer", in, opts)
}

func (c *Client) EndSession(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[SessionRequest, StateResponse](ctx, c.cc, "EndSession", in, opts)
}

func (c *Client) GetState(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*StateResponse, error) {
	return invoke[SessionRequest, StateResponse](ctx, c.cc, "GetState", in, opts)
}

func (c *Client) GetLeaderboard(ctx context.Context, in *SessionRequest, opts ...grpc.CallOption) (*GetLeaderboardResponse, error) {
	return invoke[SessionRequest, GetLeaderboardResponse](ctx, c.cc, "GetLeaderboard", in, opts)
}
